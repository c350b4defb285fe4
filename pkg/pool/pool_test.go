package pool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseTranche(t *testing.T) {
	tr, err := ParseTranche(" Catalyst ")
	require.NoError(t, err)
	assert.Equal(t, TrancheCatalyst, tr)

	_, err = ParseTranche("senior")
	assert.ErrorIs(t, err, ErrUnknownTranche)
}

func TestStatus_AdvanceIsMonotonic(t *testing.T) {
	next, err := StatusOpen.Advance(StatusFilled)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, next)

	next, err = StatusDisbursed.Advance(StatusDisbursed)
	require.NoError(t, err)
	assert.Equal(t, StatusDisbursed, next)

	_, err = StatusClosed.Advance(StatusOpen)
	assert.ErrorIs(t, err, ErrStatusRegression)

	_, err = Status("paused").Advance(StatusOpen)
	assert.Error(t, err)
}

func TestPool_Validate(t *testing.T) {
	p := Pool{
		ID:       "pool-1",
		Status:   StatusOpen,
		Priority: TrancheState{Target: d("1000"), Funded: d("100")},
		Catalyst: TrancheState{Target: d("500"), Funded: d("0")},
	}
	require.NoError(t, p.Validate())

	over := p
	over.Catalyst.Funded = d("501")
	assert.Error(t, over.Validate())

	neg := p
	neg.Priority.Target = d("-1")
	assert.Error(t, neg.Validate())
}

func TestPool_CreditAdvancesToFilled(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := Pool{
		ID:       "pool-1",
		Status:   StatusOpen,
		Priority: TrancheState{Target: d("1000"), Funded: d("1000")},
		Catalyst: TrancheState{Target: d("500"), Funded: d("400")},
	}

	out, err := p.Credit(TrancheCatalyst, d("100"), now)
	require.NoError(t, err)
	assert.True(t, out.Catalyst.Funded.Equal(d("500")))
	assert.Equal(t, StatusFilled, out.Status)
	assert.Equal(t, now, out.UpdatedAt)

	// original copy untouched
	assert.True(t, p.Catalyst.Funded.Equal(d("400")))

	_, err = p.Credit(TrancheCatalyst, d("101"), now)
	assert.Error(t, err)
}

func TestClient_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/pools/pool-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(Pool{
			ID:       "pool-1",
			Status:   StatusOpen,
			Priority: TrancheState{Target: d("1000000"), Funded: d("850000")},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	p, err := c.Get(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.True(t, p.Priority.Remaining().Equal(d("150000")))

	_, err = c.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrPoolNotFound))
}
