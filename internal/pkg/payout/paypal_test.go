package payout_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/prisoners/internal/pkg/payout"
)

func newPayPalServer(t *testing.T, payoutStatus int, payoutBody string) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var tokenRequests atomic.Int64

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests.Add(1)

		user, pass, ok := r.BasicAuth()
		if !ok || user != "id" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token-1","expires_in":3600}`))
	})

	mux.HandleFunc("POST /v1/payments/payouts", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(payoutStatus)
		_, _ = w.Write([]byte(payoutBody))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server, &tokenRequests
}

func TestPayPalRequestTransfer(t *testing.T) {
	t.Parallel()

	server, tokenRequests := newPayPalServer(t, http.StatusCreated, `{"batch_header":{"batch_status":"PENDING"}}`)
	client := payout.NewPayPalClient(server.URL, "id", "secret")

	ctx := context.Background()

	require.NoError(t, client.RequestTransfer(ctx, "batch:0:0", reward, "GBP", "alice@example.com"))
	require.NoError(t, client.RequestTransfer(ctx, "batch:0:1", reward, "GBP", "bob@example.com"))

	assert.Equal(t, int64(1), tokenRequests.Load())
}

func TestPayPalInsufficientFunds(t *testing.T) {
	t.Parallel()

	server, _ := newPayPalServer(t, http.StatusUnprocessableEntity,
		`{"name":"INSUFFICIENT_FUNDS","message":"Sender does not have sufficient funds."}`)
	client := payout.NewPayPalClient(server.URL, "id", "secret")

	err := client.RequestTransfer(context.Background(), "batch:0:0", reward, "GBP", "alice@example.com")
	assert.ErrorIs(t, err, payout.ErrInsufficientFunds)
}

func TestPayPalOtherFailure(t *testing.T) {
	t.Parallel()

	server, _ := newPayPalServer(t, http.StatusBadRequest, `{"name":"VALIDATION_ERROR","message":"Invalid request"}`)
	client := payout.NewPayPalClient(server.URL, "id", "secret")

	err := client.RequestTransfer(context.Background(), "batch:0:0", reward, "GBP", "alice@example.com")
	require.ErrorIs(t, err, payout.ErrPayPalRequest)
	assert.NotErrorIs(t, err, payout.ErrInsufficientFunds)
}

func TestPayPalBadCredentials(t *testing.T) {
	t.Parallel()

	server, _ := newPayPalServer(t, http.StatusCreated, `{}`)
	client := payout.NewPayPalClient(server.URL, "id", "wrong")

	err := client.RequestTransfer(context.Background(), "batch:0:0", reward, "GBP", "alice@example.com")
	assert.ErrorIs(t, err, payout.ErrPayPalRequest)
}
