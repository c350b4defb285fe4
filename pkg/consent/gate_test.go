package consent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/tranche"
)

func TestGate_PriorityIsNeverGated(t *testing.T) {
	g := MustGate(DefaultPolicy())

	assert.True(t, g.Allowed(pool.TranchePriority, Consents{}))
	assert.True(t, g.Allowed(pool.TranchePriority, All()))
	assert.Empty(t, g.Missing(pool.TranchePriority, Consents{}))
	assert.NoError(t, g.Check(pool.TranchePriority, Consents{}))
}

func TestGate_CatalystNeedsAllThree(t *testing.T) {
	g := MustGate(DefaultPolicy())

	tests := []struct {
		name    string
		c       Consents
		allowed bool
		missing []Acknowledgement
	}{
		{"none", Consents{}, false, []Acknowledgement{AckLossPriority, AckFullCapitalLoss, AckNonDeposit}},
		{"two of three", Consents{LossPriority: true, FullCapitalLoss: true}, false, []Acknowledgement{AckNonDeposit}},
		{"only non-deposit", Consents{NonDeposit: true}, false, []Acknowledgement{AckLossPriority, AckFullCapitalLoss}},
		{"all", All(), true, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, g.Allowed(pool.TrancheCatalyst, tc.c))
			assert.Equal(t, tc.missing, g.Missing(pool.TrancheCatalyst, tc.c))
		})
	}
}

func TestGate_CheckReturnsConsentBound(t *testing.T) {
	g := MustGate(DefaultPolicy())

	err := g.Check(pool.TrancheCatalyst, Consents{LossPriority: true})
	ve, ok := tranche.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, tranche.BoundConsentRequired, ve.Bound)
	assert.Contains(t, ve.Error(), "full_capital_loss")
	assert.Contains(t, ve.Error(), "non_deposit")
}

func TestGate_UnknownTrancheDenied(t *testing.T) {
	g := MustGate(DefaultPolicy())
	assert.False(t, g.Allowed(pool.Tranche("mezzanine"), All()))
}

func TestGate_CustomExpression(t *testing.T) {
	g, err := NewGate(Policy{
		pool.TrancheCatalyst: {Expression: "consents.loss_priority || consents.non_deposit"},
	})
	require.NoError(t, err)

	assert.True(t, g.Allowed(pool.TrancheCatalyst, Consents{NonDeposit: true}))
	assert.False(t, g.Allowed(pool.TrancheCatalyst, Consents{FullCapitalLoss: true}))
	// No entry for priority means ungated.
	assert.True(t, g.Allowed(pool.TranchePriority, Consents{}))
}

func TestNewGate_RejectsBadPolicies(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"syntax error", Policy{pool.TrancheCatalyst: {Expression: "consents.loss_priority &&"}}},
		{"non-bool rule", Policy{pool.TrancheCatalyst: {Expression: "1 + 2"}}},
		{"unknown acknowledgement", Policy{pool.TrancheCatalyst: {Required: []Acknowledgement{"accredited"}}}},
		{"unknown tranche", Policy{pool.Tranche("junior"): {}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGate(tc.p)
			assert.Error(t, err)
		})
	}
}
