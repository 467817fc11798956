package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/AlwinBrauns/servicenode/bidengine"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/AlwinBrauns/servicenode/pricing"
	"github.com/AlwinBrauns/servicenode/signer"
	"github.com/AlwinBrauns/servicenode/store/boltstore"
	"github.com/AlwinBrauns/servicenode/validator"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testRoute = types.Route{
	SourceChainID: 1,
	DestChainID:   137,
	Token:         "0x3333333333333333333333333333333333333333",
}

type fixture struct {
	server *Server
	store  *boltstore.BoltStore
	bid    *types.Bid
	client signer.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := boltstore.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	nodeKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	nodeSigner, err := signer.NewSigner(nodeKey)
	require.NoError(t, err)

	clientKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	clientSigner, err := signer.NewSigner(clientKey)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	fees := pricing.NewMarginFeeSource(10)
	fees.SetBaseFee(testRoute, big.NewInt(1000))

	engine := bidengine.New(store, nodeSigner, fees, []bidengine.SupportedRoute{{
		Route:     testRoute,
		MinAmount: big.NewInt(100),
		MaxAmount: big.NewInt(1000000),
	}}, 5*time.Minute, time.Minute, logger)

	bid, err := engine.ComputeBid(context.Background(), testRoute)
	require.NoError(t, err)

	admission := validator.New(store, engine, logger)
	server := NewServer(":0", store, admission, engine, nil, logger)

	return &fixture{
		server: server,
		store:  store,
		bid:    bid,
		client: clientSigner,
	}
}

func (f *fixture) signedTransfer(t *testing.T, nonce uint64, amount string) *types.RawTransferRequest {
	t.Helper()

	parsedAmount, ok := new(big.Int).SetString(amount, 10)
	require.True(t, ok)

	sender := f.client.Address().Hex()
	recipient := "0x2222222222222222222222222222222222222222"

	payload := types.TransferSigningPayload(testRoute, sender, recipient, parsedAmount, f.bid.ID, nonce)
	signature, err := f.client.Sign(payload)
	require.NoError(t, err)

	return &types.RawTransferRequest{
		SourceChainID:      testRoute.SourceChainID,
		DestinationChainID: testRoute.DestChainID,
		TokenAddress:       testRoute.Token,
		SenderAddress:      sender,
		RecipientAddress:   recipient,
		Amount:             amount,
		BidID:              f.bid.ID,
		Nonce:              nonce,
		Signature:          hex.EncodeToString(signature),
	}
}

func (f *fixture) postTransfer(t *testing.T, raw *types.RawTransferRequest) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(raw)
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodPost, "/transfer", bytes.NewReader(body))
	recorder := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(recorder, request)

	return recorder
}

func TestSubmitTransferEndpoint(t *testing.T) {
	f := newFixture(t)

	t.Run("valid request is admitted", func(t *testing.T) {
		recorder := f.postTransfer(t, f.signedTransfer(t, 1, "5000"))
		require.Equal(t, http.StatusOK, recorder.Code)

		var response submitResponse
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		require.NotEmpty(t, response.RequestID)
		require.Equal(t, types.StatusPending, response.Status)
	})

	t.Run("invalid json is a bad request", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodPost, "/transfer", bytes.NewReader([]byte("{")))
		recorder := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(recorder, request)

		require.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("broken signature is a bad request", func(t *testing.T) {
		raw := f.signedTransfer(t, 2, "5000")
		raw.Amount = "6000"

		recorder := f.postTransfer(t, raw)
		require.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("unknown bid is not acceptable", func(t *testing.T) {
		raw := f.signedTransfer(t, 3, "5000")
		raw.BidID = "bid-unknown"
		// Re-signing keeps the signature consistent with the altered bid.
		payload := types.TransferSigningPayload(testRoute, raw.SenderAddress, raw.RecipientAddress,
			big.NewInt(5000), raw.BidID, raw.Nonce)
		signature, err := f.client.Sign(payload)
		require.NoError(t, err)
		raw.Signature = hex.EncodeToString(signature)

		recorder := f.postTransfer(t, raw)
		require.Equal(t, http.StatusNotAcceptable, recorder.Code)
	})

	t.Run("amount out of bid bounds is not acceptable", func(t *testing.T) {
		recorder := f.postTransfer(t, f.signedTransfer(t, 4, "99"))
		require.Equal(t, http.StatusNotAcceptable, recorder.Code)
	})

	t.Run("reused sender nonce conflicts", func(t *testing.T) {
		recorder := f.postTransfer(t, f.signedTransfer(t, 1, "7000"))
		require.Equal(t, http.StatusConflict, recorder.Code)
	})
}

func TestTransferStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	recorder := f.postTransfer(t, f.signedTransfer(t, 1, "5000"))
	require.Equal(t, http.StatusOK, recorder.Code)

	var submitted submitResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &submitted))

	t.Run("known request", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/transfer/"+submitted.RequestID+"/status", nil)
		statusRecorder := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(statusRecorder, request)

		require.Equal(t, http.StatusOK, statusRecorder.Code)

		var response statusResponse
		require.NoError(t, json.Unmarshal(statusRecorder.Body.Bytes(), &response))
		require.Equal(t, submitted.RequestID, response.RequestID)
		require.Equal(t, types.StatusPending, response.Status)
	})

	t.Run("unknown request", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/transfer/deadbeef/status", nil)
		statusRecorder := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(statusRecorder, request)

		require.Equal(t, http.StatusNotFound, statusRecorder.Code)
	})
}

func TestListBidsEndpoint(t *testing.T) {
	f := newFixture(t)

	request := httptest.NewRequest(http.MethodGet, "/bids", nil)
	recorder := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)

	var bids []bidResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &bids))
	require.Len(t, bids, 1)
	require.Equal(t, testRoute, bids[0].Route)
	require.Equal(t, big.NewInt(1100), bids[0].Fee)
	require.Equal(t, big.NewInt(100), bids[0].MinAmount)
	require.Equal(t, big.NewInt(1000000), bids[0].MaxAmount)
	require.NotEmpty(t, bids[0].Signature)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	t.Run("live", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/health/live", nil)
		recorder := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(recorder, request)

		require.Equal(t, http.StatusOK, recorder.Code)
	})

	t.Run("nodes with no monitors", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/health/nodes", nil)
		recorder := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(recorder, request)

		require.Equal(t, http.StatusOK, recorder.Code)
	})
}
