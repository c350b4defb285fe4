package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ConfirmationWaiter polls a TransferVerifier until a transfer reaches a confirmation depth.
type ConfirmationWaiter struct {
	Verifier     TransferVerifier
	MinConfs     uint64
	PollInterval time.Duration
	// Timeout bounds a single Wait. Zero relies on the caller's context alone.
	Timeout time.Duration
}

// Wait returns the transfer once it is final. On timeout it returns ErrNotFinal if the
// transfer was seen, or ErrTxNotFound if it never was. Unavailability keeps polling. If the
// caller's context ends first the outcome is unknown and Wait returns *Unavailable.
func (w ConfirmationWaiter) Wait(ctx context.Context, tx TxRef) (*TransferRecord, error) {
	caller := ctx
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	interval := w.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	logger := slog.Default().With("component", "confirmations")

	var (
		last    *TransferRecord
		lastErr error
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := w.Verifier.LookupTransfer(ctx, tx)
		switch {
		case err == nil:
			last, lastErr = rec, nil
			if !rec.Succeeded || rec.Confirmations >= w.MinConfs {
				return rec, nil
			}
		case errors.Is(err, ErrTxNotFound), IsUnavailable(err):
			lastErr = err
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			if err := caller.Err(); err != nil {
				return nil, &Unavailable{Op: "confirmations", Err: err}
			}
			if last != nil {
				logger.InfoContext(ctx, "transfer not final before deadline",
					"tx", tx, "confirmations", last.Confirmations, "required", w.MinConfs)
				return last, fmt.Errorf("%w: %d of %d confirmations", ErrNotFinal, last.Confirmations, w.MinConfs)
			}
			if lastErr != nil && IsUnavailable(lastErr) {
				return nil, lastErr
			}
			return nil, ErrTxNotFound
		case <-ticker.C:
		}
	}
}
