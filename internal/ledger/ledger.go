// Package ledger talks to the remote ledger service, the sync manager's only
// network dependency. The service itself is owned by another team; this
// package is just the client.
package ledger

import (
	"context"

	"github.com/haulmark/fieldsync/internal/envelope"
)

// Ledger is the remote ledger surface the sync pipeline depends on.
//
// InsertEvent is an idempotent upsert keyed by event_id: re-sending an
// acknowledged event must not duplicate a ledger record. IngestGPSEvents is
// batch ingest; the ledger tolerates duplicate samples, this layer does not
// try to prevent them.
type Ledger interface {
	InsertEvent(ctx context.Context, ev envelope.WireEvent) error
	IngestGPSEvents(ctx context.Context, samples []envelope.GPSSample) error
}
