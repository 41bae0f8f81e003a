package store

import (
	"context"
	"time"

	"github.com/example/bulk-dispatch/internal/campaign"
)

// DispatchUpdate is the message-level result of one dispatch pass.
type DispatchUpdate struct {
	GroupIDs           []string
	Status             campaign.Status
	TotalCount         int
	SendingCount       int
	SubmitFailedGroups int
}

// Aggregate is the message-level result of one reconciliation pass.
type Aggregate struct {
	SuccessCount int
	FailCount    int
	SendingCount int
	TotalCount   int
	Status       campaign.Status
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m campaign.Message) error
	GetMessage(ctx context.Context, id string) (campaign.Message, error)

	// TransitionStatus moves the message to `to` only if its current status
	// is one of `from`. Returns false when the guard did not match; the
	// optimistic check is what keeps concurrent dispatchers single-winner.
	TransitionStatus(ctx context.Context, id string, from []campaign.Status, to campaign.Status) (bool, error)

	UpdateDispatch(ctx context.Context, id string, upd DispatchUpdate) error
	UpdateAggregate(ctx context.Context, id string, agg Aggregate) error

	// AcquireReconcileLock takes the per-message reconciliation lock. The
	// lock must hold across processes: the API and the sweep binary both
	// reconcile, and two passes over one message must never interleave.
	// ok is false when another pass holds the lock; release must be called
	// when ok.
	AcquireReconcileLock(ctx context.Context, id string) (release func(), ok bool, err error)

	// ListDue returns scheduled messages whose scheduled_at is at or before
	// now. Cancelled messages never match.
	ListDue(ctx context.Context, now time.Time, limit int) ([]campaign.Message, error)

	// ListReconcilable returns messages still carrying gateway-side groups
	// in flight. Cancellation does not exclude a message: submitted groups
	// reconcile to their natural terminal counts regardless of the flag.
	ListReconcilable(ctx context.Context, limit int) ([]campaign.Message, error)
}

type GroupStatusStore interface {
	// UpsertGroupStatuses merges fresh snapshots keyed by
	// (message_id, group_id). A write replaces the stored snapshot only when
	// it is at least as recent (last_synced_at); an older snapshot from a
	// slow fetch must never overwrite a newer one.
	UpsertGroupStatuses(ctx context.Context, messageID string, snapshots []campaign.GroupStatus) error
	ListGroupStatuses(ctx context.Context, messageID string) ([]campaign.GroupStatus, error)
}

type DeliveryLogStore interface {
	// UpsertDeliveryLogs writes one row per (message_id, recipient_phone),
	// updating in place on conflict. Re-running a dispatch must never
	// produce duplicate rows.
	UpsertDeliveryLogs(ctx context.Context, logs []campaign.DeliveryLog) error
}
