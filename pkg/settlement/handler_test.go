package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaulRai/vessel/pkg/api"
	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/pool"
)

func newServer(t *testing.T) (*fixture, *httptest.Server) {
	t.Helper()
	f := newFixture(t, 1)
	h, err := NewHandler(f.svc)
	require.NoError(t, err)
	srv := httptest.NewServer(h.Routes(nil))
	t.Cleanup(srv.Close)
	return f, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeProblem(t *testing.T, resp *http.Response) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	var p api.ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func TestHandler_ConfirmCreatedThenReplayed(t *testing.T) {
	f, srv := newServer(t)
	tx := f.pay(t, investor, collector, "200")
	req := request(tx, investor, pool.TranchePriority, "200")

	resp := postJSON(t, srv.URL+"/v1/investments/confirm", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first Commitment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	assert.True(t, first.Amount.Equal(d("200")))
	assert.NotEmpty(t, resp.Header.Get(api.RequestIDHeader))

	resp = postJSON(t, srv.URL+"/v1/investments/confirm", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second Commitment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	assert.Equal(t, first.ID, second.ID)

	got, err := http.Get(srv.URL + "/v1/investments/" + tx.String())
	require.NoError(t, err)
	defer got.Body.Close()
	assert.Equal(t, http.StatusOK, got.StatusCode)
}

func TestHandler_ConfirmRejections(t *testing.T) {
	f, srv := newServer(t)
	tx := f.pay(t, investor, collector, "200")

	t.Run("schema", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/investments/confirm", map[string]any{
			"pool_id": "pool-1", "tranche": "priority", "amount": "200",
			"tx_hash": "0x1234", "tnc_accepted": true, "investor_address": investor,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		p := decodeProblem(t, resp)
		assert.Equal(t, string(CodeInvalidRequest), p.Code)
		assert.Contains(t, p.Detail, "/tx_hash")
	})

	t.Run("unknown field", func(t *testing.T) {
		body := map[string]any{
			"pool_id": "pool-1", "tranche": "priority", "amount": 200,
			"tx_hash": tx, "tnc_accepted": true, "investor_address": investor, "referrer": "x",
		}
		resp := postJSON(t, srv.URL+"/v1/investments/confirm", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("consents", func(t *testing.T) {
		req := request(tx, investor, pool.TrancheCatalyst, "200")
		req.CatalystConsents = &consent.Consents{LossPriority: true}
		resp := postJSON(t, srv.URL+"/v1/investments/confirm", req)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, string(CodeInvalidConsents), decodeProblem(t, resp).Code)
	})

	t.Run("mismatch", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/investments/confirm", request(tx, investor, pool.TranchePriority, "300"))
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, string(CodeVerificationMismatch), decodeProblem(t, resp).Code)
	})

	t.Run("ledger offline", func(t *testing.T) {
		f.ledger.SetOffline(true)
		defer f.ledger.SetOffline(false)
		resp := postJSON(t, srv.URL+"/v1/investments/confirm", request(tx, investor, pool.TranchePriority, "200"))
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, CodeLedgerUnavailable, decodeProblem(t, resp).Code)
	})
}

func TestHandler_PoolAndLimits(t *testing.T) {
	f, srv := newServer(t)
	ctx := context.Background()

	p, err := pool.NewClient(srv.URL).Get(ctx, "pool-1")
	require.NoError(t, err)
	assert.True(t, p.Catalyst.Target.Equal(d("1000")))
	_, err = pool.NewClient(srv.URL).Get(ctx, "pool-x")
	assert.ErrorIs(t, err, pool.ErrPoolNotFound)

	resp, err := http.Get(srv.URL + "/v1/pools/pool-1/limits?tranche=catalyst")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lim limitsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lim))
	assert.True(t, lim.Min.Equal(d("100")))
	assert.True(t, lim.Max.Equal(d("900")))
	assert.Equal(t, pool.TrancheCatalyst, lim.Tranche)

	full, err := f.store.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	full.Priority.Funded = full.Priority.Target
	require.NoError(t, f.store.PutPool(ctx, full))

	resp, err = http.Get(srv.URL + "/v1/pools/pool-1/limits?tranche=priority")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/pools/pool-1/limits?tranche=junior")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_HealthAndMissingCommitment(t *testing.T) {
	_, srv := newServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/investments/0x" + strings.Repeat("0", 64))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func fastRetry() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

func TestClient_ConfirmAgainstServer(t *testing.T) {
	f, srv := newServer(t)
	client := NewClient(srv.URL, WithBackOff(fastRetry))
	tx := f.pay(t, investor, collector, "200")

	c, err := client.Confirm(context.Background(), request(tx, investor, pool.TranchePriority, "200"))
	require.NoError(t, err)
	assert.Equal(t, pool.StatusOpen, c.PoolStatus)

	again, err := client.Confirm(context.Background(), request(tx, investor, pool.TranchePriority, "200"))
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)

	found, err := client.Lookup(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, c.ID, found.ID)

	_, err = client.Confirm(context.Background(), request(tx, investor, pool.TrancheCatalyst, "200"))
	r, ok := AsRejection(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, CodeTxAlreadyUsed, r.Code)
}

func TestClient_RetriesServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			api.WriteProblem(w, r, http.StatusServiceUnavailable, CodeLedgerUnavailable, "try later")
			return
		}
		api.WriteJSON(w, http.StatusCreated, Commitment{ID: "c-1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithBackOff(fastRetry), WithMaxTries(5))
	c, err := client.Confirm(context.Background(), ConfirmRequest{PoolID: "pool-1"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", c.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		api.WriteProblem(w, r, http.StatusConflict, string(CodeCapacityExceeded), "tranche full")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithBackOff(fastRetry))
	_, err := client.Confirm(context.Background(), ConfirmRequest{PoolID: "pool-1"})
	r, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, CodeCapacityExceeded, r.Code)
	assert.Equal(t, "tranche full", r.Detail)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_GivesUpAsUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithBackOff(fastRetry), WithMaxTries(3))
	_, err := client.Confirm(context.Background(), ConfirmRequest{PoolID: "pool-1"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ZeroMaxTriesStillBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithBackOff(fastRetry), WithMaxTries(0))
	_, err := client.Confirm(context.Background(), ConfirmRequest{PoolID: "pool-1"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}
