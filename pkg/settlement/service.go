package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/observability"
	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/tranche"
)

// Service verifies and records commitments.
type Service struct {
	store     Store
	calc      *tranche.Calculator
	gate      *consent.Gate
	token     ledger.Token
	collector ledger.Address
	waiter    ledger.ConfirmationWaiter
	obs       *observability.Provider
	now       func() time.Time
	logger    *slog.Logger
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store      Store
	Calculator *tranche.Calculator
	Gate       *consent.Gate
	// Verifier reads executed transfers of Token from the ledger.
	Verifier  ledger.TransferVerifier
	Token     ledger.Token
	Collector ledger.Address
	// MinConfirmations is the depth a transfer needs before it is recorded.
	MinConfirmations uint64
	ConfirmTimeout   time.Duration
	PollInterval     time.Duration
	Observability    *observability.Provider
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil || cfg.Calculator == nil || cfg.Gate == nil || cfg.Verifier == nil {
		return nil, errors.New("settlement: store, calculator, gate and verifier are required")
	}
	if cfg.Collector == "" {
		return nil, errors.New("settlement: collector address is required")
	}
	return &Service{
		store:     cfg.Store,
		calc:      cfg.Calculator,
		gate:      cfg.Gate,
		token:     cfg.Token,
		collector: cfg.Collector,
		waiter: ledger.ConfirmationWaiter{
			Verifier:     cfg.Verifier,
			MinConfs:     cfg.MinConfirmations,
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.ConfirmTimeout,
		},
		obs:    cfg.Observability,
		now:    time.Now,
		logger: slog.Default().With("component", "settlement"),
	}, nil
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Store() Store { return s.store }

func (s *Service) Collector() ledger.Address { return s.collector }

// Pool returns the current pool state.
func (s *Service) Pool(ctx context.Context, id string) (*pool.Pool, error) {
	return s.store.GetPool(ctx, id)
}

// Limits computes the band for a tranche of a pool from its current state.
func (s *Service) Limits(ctx context.Context, poolID string, t pool.Tranche) (tranche.Limits, error) {
	p, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return tranche.Limits{}, err
	}
	ts, err := p.Tranche(t)
	if err != nil {
		return tranche.Limits{}, err
	}
	return s.calc.Limits(ts.Target, ts.Funded)
}

// Lookup returns the commitment recorded for a transaction.
func (s *Service) Lookup(ctx context.Context, tx ledger.TxRef) (*Commitment, error) {
	return s.store.FindByTx(ctx, tx)
}

// Confirm verifies the transfer behind req and records the commitment. Confirming an
// already recorded transaction returns the existing record with replayed set.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (c *Commitment, replayed bool, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "settlement.confirm",
		observability.CommitmentAttrs(req.PoolID, string(req.Tranche))...)
	defer func() { done(err) }()

	logger := s.logger.With("pool_id", req.PoolID, "tranche", req.Tranche, "tx_hash", req.TxHash)

	if err := s.checkShape(req); err != nil {
		return nil, false, err
	}

	if existing, err := s.replay(ctx, req); err != nil || existing != nil {
		if existing != nil {
			logger.InfoContext(ctx, "confirmation replayed", "commitment_id", existing.ID)
		}
		return existing, existing != nil, err
	}

	p, err := s.store.GetPool(ctx, req.PoolID)
	if errors.Is(err, pool.ErrPoolNotFound) {
		return nil, false, reject(CodePoolNotFound, "pool %s does not exist", req.PoolID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if p.Status != pool.StatusOpen {
		return nil, false, reject(CodePoolNotOpen, "pool %s is %s", p.ID, p.Status)
	}

	if !req.TnCAccepted {
		return nil, false, reject(CodeInvalidConsents, "terms and conditions were not accepted")
	}
	if err := s.gate.Check(req.Tranche, req.Consents()); err != nil {
		return nil, false, reject(CodeInvalidConsents, "%s", strings.TrimPrefix(err.Error(), "validation failed: "))
	}

	rec, err := s.verify(ctx, req)
	if err != nil {
		logger.WarnContext(ctx, "transfer verification failed", "error", err)
		return nil, false, err
	}

	c = &Commitment{
		ID:              uuid.NewString(),
		PoolID:          req.PoolID,
		Tranche:         req.Tranche,
		Amount:          req.Amount,
		TxHash:          req.TxHash,
		InvestorAddress: req.InvestorAddress,
		Block:           rec.Block,
		CreatedAt:       s.now().UTC(),
	}
	if req.Tranche == pool.TrancheCatalyst {
		consents := req.Consents()
		c.CatalystConsents = &consents
	}

	err = s.store.Commit(ctx, c, s.revalidate(c))
	if errors.Is(err, ErrDuplicateTx) {
		// Lost a race with a concurrent confirmation of the same transaction.
		existing, rerr := s.replay(ctx, req)
		if rerr != nil || existing != nil {
			return existing, existing != nil, rerr
		}
		return nil, false, fmt.Errorf("%w: duplicate transaction vanished", ErrUnavailable)
	}
	if err != nil {
		if r, ok := AsRejection(err); ok {
			logger.WarnContext(ctx, "commitment rejected after transfer", "reason", r.Code, "detail", r.Detail)
			return nil, false, r
		}
		return nil, false, fmt.Errorf("%w: record commitment: %v", ErrUnavailable, err)
	}

	logger.InfoContext(ctx, "commitment recorded",
		"commitment_id", c.ID,
		"amount", c.Amount,
		"tranche_funded", c.TrancheFunded,
		"pool_status", c.PoolStatus,
	)
	return c, false, nil
}

func (s *Service) checkShape(req ConfirmRequest) error {
	switch {
	case strings.TrimSpace(req.PoolID) == "":
		return reject(CodeInvalidRequest, "pool_id is required")
	case !req.Tranche.Valid():
		return reject(CodeInvalidRequest, "unknown tranche %q", req.Tranche)
	case !req.Amount.IsPositive():
		return reject(CodeInvalidRequest, "amount must be positive")
	case req.TxHash == "":
		return reject(CodeInvalidRequest, "tx_hash is required")
	case req.InvestorAddress == "":
		return reject(CodeInvalidRequest, "investor_address is required")
	}
	if !ledger.Truncate(req.Amount, s.token.Decimals).Equal(req.Amount) {
		return reject(CodeInvalidRequest, "amount has more than %d decimal places", s.token.Decimals)
	}
	return nil
}

// replay returns the recorded commitment for req's transaction, or a rejection if that
// transaction already backs a different commitment.
func (s *Service) replay(ctx context.Context, req ConfirmRequest) (*Commitment, error) {
	existing, err := s.store.FindByTx(ctx, req.TxHash)
	if errors.Is(err, ErrCommitmentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !existing.sameIntent(req) {
		return nil, reject(CodeTxAlreadyUsed, "transaction %s already backs commitment %s", req.TxHash, existing.ID)
	}
	return existing, nil
}

// verify waits for the transfer to reach the required depth and checks it moved exactly
// the requested amount from the investor to the collector.
func (s *Service) verify(ctx context.Context, req ConfirmRequest) (*ledger.TransferRecord, error) {
	rec, err := s.waiter.Wait(ctx, req.TxHash)
	switch {
	case errors.Is(err, ledger.ErrNotFinal):
		return nil, reject(CodeTxNotFinal, "%v", err)
	case errors.Is(err, ledger.ErrTxNotFound):
		return nil, reject(CodeTxNotFound, "ledger has no transaction %s", req.TxHash)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case !rec.Succeeded:
		return nil, reject(CodeVerificationMismatch, "transaction %s did not execute a token transfer", req.TxHash)
	case !rec.To.Equal(s.collector):
		return nil, reject(CodeVerificationMismatch, "recipient %s is not the collection address", rec.To)
	case !rec.From.Equal(req.InvestorAddress):
		return nil, reject(CodeVerificationMismatch, "sender %s is not investor %s", rec.From, req.InvestorAddress)
	case !ledger.SameAmount(rec.Amount, req.Amount, s.token.Decimals):
		return nil, reject(CodeVerificationMismatch, "transferred %s but commitment is for %s", rec.Amount, req.Amount)
	}
	return rec, nil
}

// revalidate checks c against the locked pool state and returns the credited pool.
func (s *Service) revalidate(c *Commitment) CheckFunc {
	return func(p pool.Pool) (pool.Pool, error) {
		if p.Status != pool.StatusOpen {
			return p, reject(CodePoolNotOpen, "pool %s is %s", p.ID, p.Status)
		}
		ts, err := p.Tranche(c.Tranche)
		if err != nil {
			return p, reject(CodeInvalidRequest, "%v", err)
		}
		_, err = s.calc.Validate(tranche.Request{Amount: c.Amount, Target: ts.Target, Funded: ts.Funded})
		if ve, ok := tranche.AsValidationError(err); ok {
			return p, rejectionForBound(ve)
		}
		if err != nil {
			return p, err
		}
		return p.Credit(c.Tranche, c.Amount, s.now().UTC())
	}
}

// rejectionForBound maps a capacity re-validation failure onto a reason code. Bounds that
// mean the tranche no longer has room are capacity_exceeded; a band that moved under
// the investor is limits_changed.
func rejectionForBound(ve *tranche.ValidationError) *Rejection {
	switch ve.Bound {
	case tranche.BoundTrancheClosed, tranche.BoundExceedsRemaining, tranche.BoundAboveMaximum:
		return &Rejection{Code: CodeCapacityExceeded, Detail: ve.Error()}
	default:
		return &Rejection{Code: CodeLimitsChanged, Detail: ve.Error()}
	}
}
