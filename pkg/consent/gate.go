// Package consent gates commitments on tranche-specific risk disclosures.
//
// Each tranche has a CEL rule evaluated over the investor's acknowledgements. The gate is
// stateless and is re-evaluated whenever the amount or any acknowledgement changes, so a
// commit action is disabled up front instead of failing later.
package consent

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/tranche"
)

// Acknowledgement is one disclosure an investor must affirm.
type Acknowledgement string

const (
	AckLossPriority    Acknowledgement = "loss_priority"
	AckFullCapitalLoss Acknowledgement = "full_capital_loss"
	AckNonDeposit      Acknowledgement = "non_deposit"
)

var allAcknowledgements = []Acknowledgement{AckLossPriority, AckFullCapitalLoss, AckNonDeposit}

// Consents are the acknowledgement flags as sent to the settlement backend.
type Consents struct {
	LossPriority    bool `json:"loss_priority"`
	FullCapitalLoss bool `json:"full_capital_loss"`
	NonDeposit      bool `json:"non_deposit"`
}

// All returns consents with every acknowledgement affirmed.
func All() Consents {
	return Consents{LossPriority: true, FullCapitalLoss: true, NonDeposit: true}
}

func (c Consents) get(a Acknowledgement) bool {
	switch a {
	case AckLossPriority:
		return c.LossPriority
	case AckFullCapitalLoss:
		return c.FullCapitalLoss
	case AckNonDeposit:
		return c.NonDeposit
	default:
		return false
	}
}

func (c Consents) activation() map[string]any {
	m := make(map[string]any, len(allAcknowledgements))
	for _, a := range allAcknowledgements {
		m[string(a)] = c.get(a)
	}
	return map[string]any{"consents": m}
}

// Requirement is the rule for one tranche. An empty Expression is derived from Required.
type Requirement struct {
	Required   []Acknowledgement `yaml:"required" json:"required"`
	Expression string            `yaml:"expression,omitempty" json:"expression,omitempty"`
}

func (r Requirement) expression() string {
	if strings.TrimSpace(r.Expression) != "" {
		return r.Expression
	}
	if len(r.Required) == 0 {
		return "true"
	}
	terms := make([]string, 0, len(r.Required))
	for _, a := range r.Required {
		terms = append(terms, "consents."+string(a))
	}
	return strings.Join(terms, " && ")
}

// Policy maps tranches to their requirement. Tranches without an entry are ungated.
type Policy map[pool.Tranche]Requirement

// DefaultPolicy gates only the catalyst tranche, on all three acknowledgements.
func DefaultPolicy() Policy {
	return Policy{
		pool.TranchePriority: {},
		pool.TrancheCatalyst: {Required: []Acknowledgement{AckLossPriority, AckFullCapitalLoss, AckNonDeposit}},
	}
}

// Gate evaluates compiled consent rules.
type Gate struct {
	programs map[pool.Tranche]cel.Program
	required map[pool.Tranche][]Acknowledgement
	logger   *slog.Logger
}

// NewGate compiles every rule in p. Rules must evaluate to bool.
func NewGate(p Policy) (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("consents", cel.MapType(cel.StringType, cel.BoolType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	g := &Gate{
		programs: make(map[pool.Tranche]cel.Program, len(p)),
		required: make(map[pool.Tranche][]Acknowledgement, len(p)),
		logger:   slog.Default().With("component", "consent"),
	}
	for t, req := range p {
		if !t.Valid() {
			return nil, fmt.Errorf("consent policy: %w: %q", pool.ErrUnknownTranche, t)
		}
		for _, a := range req.Required {
			if !known(a) {
				return nil, fmt.Errorf("consent policy for %s: unknown acknowledgement %q", t, a)
			}
		}
		expr := req.expression()
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("consent policy for %s: compile: %w", t, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("consent policy for %s: rule must be bool, got %s", t, ast.OutputType())
		}
		prg, err := env.Program(ast, cel.CostLimit(1000))
		if err != nil {
			return nil, fmt.Errorf("consent policy for %s: program: %w", t, err)
		}
		g.programs[t] = prg
		g.required[t] = append([]Acknowledgement(nil), req.Required...)
	}
	return g, nil
}

// MustGate is NewGate for policies known to compile.
func MustGate(p Policy) *Gate {
	g, err := NewGate(p)
	if err != nil {
		panic(err)
	}
	return g
}

// Allowed reports whether a commitment to t may proceed with the given consents.
// Evaluation failures deny.
func (g *Gate) Allowed(t pool.Tranche, c Consents) bool {
	if !t.Valid() {
		return false
	}
	prg, ok := g.programs[t]
	if !ok {
		return true
	}
	out, _, err := prg.Eval(c.activation())
	if err != nil {
		g.logger.Warn("consent rule evaluation failed", "tranche", t, "error", err)
		return false
	}
	allowed, ok := out.Value().(bool)
	return ok && allowed
}

// Missing lists the required acknowledgements that are not affirmed.
func (g *Gate) Missing(t pool.Tranche, c Consents) []Acknowledgement {
	var missing []Acknowledgement
	for _, a := range g.required[t] {
		if !c.get(a) {
			missing = append(missing, a)
		}
	}
	return missing
}

// Check is Allowed expressed as a validation error.
func (g *Gate) Check(t pool.Tranche, c Consents) error {
	if g.Allowed(t, c) {
		return nil
	}
	detail := fmt.Sprintf("%s tranche requires affirmative consent", t)
	if missing := g.Missing(t, c); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, a := range missing {
			names[i] = string(a)
		}
		detail += ": missing " + strings.Join(names, ", ")
	}
	return &tranche.ValidationError{Bound: tranche.BoundConsentRequired, Detail: detail}
}

func known(a Acknowledgement) bool {
	for _, k := range allAcknowledgements {
		if a == k {
			return true
		}
	}
	return false
}
