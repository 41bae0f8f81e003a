package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/bulk-dispatch/internal/campaign"
)

const insertMessage = `
INSERT INTO messages (
id,
channel,
body_text,
image_ref,
button_text,
button_link,
status,
scheduled_at,
recipients,
group_ids,
success_count,
fail_count,
sending_count,
total_count,
submit_failed_groups,
created_at,
updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`

const selectMessage = `
SELECT id, channel, body_text, image_ref, button_text, button_link, status,
       scheduled_at, recipients, group_ids,
       success_count, fail_count, sending_count, total_count,
       submit_failed_groups, created_at, updated_at
FROM messages
`

const transitionStatus = `
UPDATE messages
SET status = $3, updated_at = now()
WHERE id = $1 AND status = ANY($2)
`

const updateDispatch = `
UPDATE messages
SET group_ids = $2,
    status = $3,
    total_count = $4,
    sending_count = $5,
    success_count = 0,
    fail_count = 0,
    submit_failed_groups = $6,
    updated_at = now()
WHERE id = $1
`

const updateAggregate = `
UPDATE messages
SET success_count = $2,
    fail_count = $3,
    sending_count = $4,
    total_count = $5,
    status = $6,
    updated_at = now()
WHERE id = $1
`

const upsertGroupStatus = `
INSERT INTO group_statuses (
message_id, group_id, success_count, fail_count, sending_count, total_count, last_synced_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (message_id, group_id) DO UPDATE
SET success_count = EXCLUDED.success_count,
    fail_count = EXCLUDED.fail_count,
    sending_count = EXCLUDED.sending_count,
    total_count = EXCLUDED.total_count,
    last_synced_at = EXCLUDED.last_synced_at
WHERE group_statuses.last_synced_at <= EXCLUDED.last_synced_at
`

const selectGroupStatuses = `
SELECT group_id, success_count, fail_count, sending_count, total_count, last_synced_at
FROM group_statuses
WHERE message_id = $1
ORDER BY group_id
`

const upsertDeliveryLog = `
INSERT INTO delivery_logs (message_id, recipient_phone, channel, status, sent_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (message_id, recipient_phone) DO UPDATE
SET status = EXCLUDED.status,
    sent_at = EXCLUDED.sent_at
`

const selectOptOut = `
SELECT phone, opt_out FROM customers WHERE phone = ANY($1)
`

const acquireReconcileLock = `
SELECT pg_try_advisory_lock(hashtextextended('reconcile:' || $1, 0))
`

const releaseReconcileLock = `
SELECT pg_advisory_unlock(hashtextextended('reconcile:' || $1, 0))
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ MessageStore     = (*PostgresStore)(nil)
	_ GroupStatusStore = (*PostgresStore)(nil)
	_ DeliveryLogStore = (*PostgresStore)(nil)
)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m campaign.Message) error {
	_, err := s.pool.Exec(ctx, insertMessage,
		m.ID,
		string(m.Channel),
		m.BodyText,
		m.ImageRef,
		m.ButtonText,
		m.ButtonLink,
		string(m.Status),
		m.ScheduledAt,
		m.Recipients,
		m.GroupIDs,
		m.SuccessCount,
		m.FailCount,
		m.SendingCount,
		m.TotalCount,
		m.SubmitFailedGroups,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (campaign.Message, error) {
	row := s.pool.QueryRow(ctx, selectMessage+"WHERE id = $1", id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return campaign.Message{}, campaign.ErrNotFound
		}
		return campaign.Message{}, fmt.Errorf("fetch message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, from []campaign.Status, to campaign.Status) (bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, transitionStatus, id, states, string(to))
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateDispatch(ctx context.Context, id string, upd DispatchUpdate) error {
	_, err := s.pool.Exec(ctx, updateDispatch,
		id,
		upd.GroupIDs,
		string(upd.Status),
		upd.TotalCount,
		upd.SendingCount,
		upd.SubmitFailedGroups,
	)
	if err != nil {
		return fmt.Errorf("update dispatch: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAggregate(ctx context.Context, id string, agg Aggregate) error {
	_, err := s.pool.Exec(ctx, updateAggregate,
		id,
		agg.SuccessCount,
		agg.FailCount,
		agg.SendingCount,
		agg.TotalCount,
		string(agg.Status),
	)
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	return nil
}

// AcquireReconcileLock takes a postgres advisory lock keyed by the message
// id. Advisory locks are session-scoped, so the connection is pinned until
// release; that is what makes the lock hold across processes, not just
// within one.
func (s *PostgresStore) AcquireReconcileLock(ctx context.Context, id string) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, acquireReconcileLock, id).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("acquire reconcile lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		var unlocked bool
		_ = conn.QueryRow(context.Background(), releaseReconcileLock, id).Scan(&unlocked)
		conn.Release()
	}
	return release, true, nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]campaign.Message, error) {
	rows, err := s.pool.Query(ctx,
		selectMessage+"WHERE status = 'scheduled' AND scheduled_at <= $1 ORDER BY scheduled_at ASC LIMIT $2",
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) ListReconcilable(ctx context.Context, limit int) ([]campaign.Message, error) {
	rows, err := s.pool.Query(ctx,
		selectMessage+"WHERE status IN ('sending','partially-failed','cancelled') AND sending_count > 0 AND cardinality(group_ids) > 0 ORDER BY updated_at ASC LIMIT $1",
		limit)
	if err != nil {
		return nil, fmt.Errorf("list reconcilable: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) UpsertGroupStatuses(ctx context.Context, messageID string, snapshots []campaign.GroupStatus) error {
	for _, gs := range snapshots {
		_, err := s.pool.Exec(ctx, upsertGroupStatus,
			messageID,
			gs.GroupID,
			gs.SuccessCount,
			gs.FailCount,
			gs.SendingCount,
			gs.TotalCount,
			gs.LastSyncedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert group status %s: %w", gs.GroupID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListGroupStatuses(ctx context.Context, messageID string) ([]campaign.GroupStatus, error) {
	rows, err := s.pool.Query(ctx, selectGroupStatuses, messageID)
	if err != nil {
		return nil, fmt.Errorf("list group statuses: %w", err)
	}
	defer rows.Close()

	var out []campaign.GroupStatus
	for rows.Next() {
		var gs campaign.GroupStatus
		if err := rows.Scan(
			&gs.GroupID,
			&gs.SuccessCount,
			&gs.FailCount,
			&gs.SendingCount,
			&gs.TotalCount,
			&gs.LastSyncedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertDeliveryLogs(ctx context.Context, logs []campaign.DeliveryLog) error {
	for _, l := range logs {
		_, err := s.pool.Exec(ctx, upsertDeliveryLog,
			l.MessageID,
			l.RecipientPhone,
			string(l.Channel),
			string(l.Status),
			l.SentAt,
		)
		if err != nil {
			return fmt.Errorf("upsert delivery log %s/%s: %w", l.MessageID, l.RecipientPhone, err)
		}
	}
	return nil
}

// CustomerDirectory reads the customer opt-out flags owned by the CRM layer.
// Phones missing from the table default to not opted out.
type CustomerDirectory struct {
	pool *pgxpool.Pool
}

func NewCustomerDirectory(pool *pgxpool.Pool) *CustomerDirectory {
	return &CustomerDirectory{pool: pool}
}

func (d *CustomerDirectory) LookupOptOut(ctx context.Context, phones []string) (map[string]bool, error) {
	out := make(map[string]bool, len(phones))
	if len(phones) == 0 {
		return out, nil
	}

	rows, err := d.pool.Query(ctx, selectOptOut, phones)
	if err != nil {
		return nil, fmt.Errorf("lookup opt-out: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var phone string
		var optOut bool
		if err := rows.Scan(&phone, &optOut); err != nil {
			return nil, err
		}
		out[phone] = optOut
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (campaign.Message, error) {
	var (
		m       campaign.Message
		channel string
		status  string
	)
	if err := row.Scan(
		&m.ID,
		&channel,
		&m.BodyText,
		&m.ImageRef,
		&m.ButtonText,
		&m.ButtonLink,
		&status,
		&m.ScheduledAt,
		&m.Recipients,
		&m.GroupIDs,
		&m.SuccessCount,
		&m.FailCount,
		&m.SendingCount,
		&m.TotalCount,
		&m.SubmitFailedGroups,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return campaign.Message{}, err
	}
	m.Channel = campaign.Channel(channel)
	m.Status = campaign.Status(status)
	return m, nil
}

func scanMessages(rows pgx.Rows) ([]campaign.Message, error) {
	var out []campaign.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
