package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span and metric attribute keys for commitment operations.
var (
	AttrOperation = attribute.Key("vessel.operation")
	AttrPoolID    = attribute.Key("vessel.pool.id")
	AttrTranche   = attribute.Key("vessel.tranche")
	AttrPhase     = attribute.Key("vessel.commitment.phase")
	AttrOutcome   = attribute.Key("vessel.commitment.outcome")
	AttrTxHash    = attribute.Key("vessel.ledger.tx_hash")
)

// CommitmentAttrs identifies a commitment attempt.
func CommitmentAttrs(poolID, tranche string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPoolID.String(poolID),
		AttrTranche.String(tranche),
	}
}
