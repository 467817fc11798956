package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"math/big"
	"net/http"
	"time"

	"github.com/AlwinBrauns/servicenode/bidengine"
	"github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/AlwinBrauns/servicenode/connectionmonitor"
	"github.com/AlwinBrauns/servicenode/store"
	"github.com/AlwinBrauns/servicenode/validator"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server is the HTTP surface of the service node: transfer admission,
// status lookup, bid listing and health reporting.
type Server struct {
	store     store.StateStore
	validator *validator.Validator
	bids      *bidengine.Engine
	monitors  []connectionmonitor.Monitor
	logger    *logrus.Logger
	httpSrv   *http.Server
}

// NewServer creates the HTTP API server.
//
// Parameters:
// - address: the listen address.
// - stateStore: the store requests and bids are read from.
// - admission: the validator admitting transfer requests.
// - bids: the bid engine serving current bids.
// - monitors: the connection monitors feeding the node health endpoint.
// - logger: the logger for logging events.
//
// Returns:
// - *Server: the new server instance.
func NewServer(
	address string,
	stateStore store.StateStore,
	admission *validator.Validator,
	bids *bidengine.Engine,
	monitors []connectionmonitor.Monitor,
	logger *logrus.Logger,
) *Server {
	server := &Server{
		store:     stateStore,
		validator: admission,
		bids:      bids,
		monitors:  monitors,
		logger:    logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/transfer", server.handleSubmitTransfer).Methods(http.MethodPost)
	router.HandleFunc("/transfer/{requestId}/status", server.handleTransferStatus).Methods(http.MethodGet)
	router.HandleFunc("/bids", server.handleListBids).Methods(http.MethodGet)
	router.HandleFunc("/health/live", server.handleLive).Methods(http.MethodGet)
	router.HandleFunc("/health/nodes", server.handleNodeHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server.httpSrv = &http.Server{
		Addr:              address,
		Handler: handlers.CombinedLoggingHandler(
			logger.Writer(),
			handlers.RecoveryHandler(handlers.RecoveryLogger(logger))(router),
		),
		ReadHeaderTimeout: 3 * time.Second,
	}

	return server
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("address", s.httpSrv.Addr).Info("API server started")

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}

	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

type submitResponse struct {
	RequestID string              `json:"request_id"`
	Status    types.RequestStatus `json:"status"`
}

type statusResponse struct {
	RequestID     string              `json:"request_id"`
	Status        types.RequestStatus `json:"status"`
	TxHash        string              `json:"tx_hash,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	Retries       int                 `json:"retries"`
}

type bidResponse struct {
	BidID      string      `json:"bid_id"`
	Route      types.Route `json:"route"`
	Fee        *big.Int    `json:"fee"`
	ValidFrom  int64       `json:"valid_from"`
	ValidUntil int64       `json:"valid_until"`
	Signature  string      `json:"signature"`
	MinAmount  *big.Int    `json:"min_amount"`
	MaxAmount  *big.Int    `json:"max_amount"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmitTransfer(w http.ResponseWriter, r *http.Request) {
	var raw types.RawTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	request, err := s.validator.Admit(r.Context(), &raw)
	if err != nil {
		writeJSON(w, admissionStatusCode(err), errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		RequestID: request.RequestID,
		Status:    request.Status,
	})
}

func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]

	request, err := s.store.GetRequest(r.Context(), requestID)
	if err != nil {
		if stderrors.Is(err, errors.ErrRequestNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "request not found"})
			return
		}

		s.logger.WithError(err).Error("Failed to load request")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})

		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		RequestID:     request.RequestID,
		Status:        request.Status,
		TxHash:        request.TxHash,
		FailureReason: request.FailureReason,
		Retries:       request.Retries,
	})
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	routes := s.bids.Routes()
	response := make([]bidResponse, 0, len(routes))

	for _, route := range routes {
		bid, err := s.bids.CurrentBid(r.Context(), route)
		if err != nil {
			s.logger.WithField("route", route.String()).WithError(err).Error("Failed to get current bid")
			continue
		}

		minAmount, maxAmount, _ := s.bids.RouteLimits(route)

		response = append(response, bidResponse{
			BidID:      bid.ID,
			Route:      bid.Route,
			Fee:        bid.Fee,
			ValidFrom:  bid.ValidFrom,
			ValidUntil: bid.ValidUntil,
			Signature:  hex.EncodeToString(bid.Signature),
			MinAmount:  minAmount,
			MaxAmount:  maxAmount,
		})
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNodeHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := make([]connectionmonitor.NodeStatus, 0, len(s.monitors))
	healthy := true

	for _, monitor := range s.monitors {
		status := monitor.Status()
		statuses = append(statuses, status)
		healthy = healthy && status.Healthy
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, statuses)
}

// admissionStatusCode maps admission sentinels onto HTTP status codes:
// bid and amount rejections are 406, uniqueness conflicts are 409 and
// everything malformed is 400.
func admissionStatusCode(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrBidNotFound),
		stderrors.Is(err, errors.ErrBidExpired),
		stderrors.Is(err, errors.ErrAmountOutOfRange),
		stderrors.Is(err, errors.ErrUnsupportedRoute):
		return http.StatusNotAcceptable

	case stderrors.Is(err, errors.ErrSenderNonceUsed),
		stderrors.Is(err, errors.ErrAlreadyFailed):
		return http.StatusConflict

	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(payload)
}
