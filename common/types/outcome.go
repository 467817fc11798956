package types

// OutcomeKind discriminates the closed set of submission outcomes.
type OutcomeKind int

const (
	// OutcomeAccepted means the chain accepted the transaction into its pending pool.
	OutcomeAccepted OutcomeKind = iota
	// OutcomeRecoverable means the submission failed transiently and may be retried.
	OutcomeRecoverable
	// OutcomeFatal means the chain rejected the transaction permanently.
	OutcomeFatal
)

// SubmitOutcome is the result of one submission attempt.
// Exactly one of TxHash and Err is meaningful, depending on Kind.
type SubmitOutcome struct {
	Kind   OutcomeKind
	TxHash string
	Err    error
}

// Accepted builds the outcome for a transaction accepted by the chain.
func Accepted(txHash string) SubmitOutcome {
	return SubmitOutcome{Kind: OutcomeAccepted, TxHash: txHash}
}

// Recoverable builds the outcome for a transient submission failure.
func Recoverable(err error) SubmitOutcome {
	return SubmitOutcome{Kind: OutcomeRecoverable, Err: err}
}

// Fatal builds the outcome for a permanent submission failure.
func Fatal(err error) SubmitOutcome {
	return SubmitOutcome{Kind: OutcomeFatal, Err: err}
}

// TxStatus represents the observed on-chain state of a broadcast transaction.
type TxStatus string

const (
	// TxStatusPending means the transaction is known but not yet finalized.
	TxStatusPending TxStatus = "pending"
	// TxStatusConfirmed means the transaction finalized successfully.
	TxStatusConfirmed TxStatus = "confirmed"
	// TxStatusReverted means the transaction finalized but reverted on-chain.
	TxStatusReverted TxStatus = "reverted"
	// TxStatusNotFound means the chain does not know the transaction.
	TxStatusNotFound TxStatus = "notfound"
)
