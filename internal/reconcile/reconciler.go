package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/bulk-dispatch/internal/campaign"
	"github.com/example/bulk-dispatch/internal/gateway"
	"github.com/example/bulk-dispatch/internal/store"
)

var (
	passCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_passes_total",
		Help: "Reconciliation passes, by outcome",
	}, []string{"outcome"})
	staleCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_stale_groups_total",
		Help: "Gateway reports discarded because their group does not belong to the message",
	})
	mismatchCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_total_mismatch_total",
		Help: "Reconciled totals that disagree with the dispatched recipient count",
	})
)

// Reconciler merges asynchronous per-group delivery snapshots into one
// canonical message aggregate. A pass is idempotent; passes for the same
// message are single-flight, passes for different messages are independent.
type Reconciler struct {
	Messages store.MessageStore
	Groups   store.GroupStatusStore
	Gateway  gateway.Gateway
	Events   *kafka.Writer
	Logger   zerolog.Logger

	FetchTimeout time.Duration
}

// Reconcile runs one pass for the message: fetch fresh group snapshots,
// discard stale and duplicate reports, recompute the aggregate, and derive
// the status. A concurrent pass for the same message is rejected, never
// queued. The lock lives in the store, so a pass in one process excludes
// passes in every other (the API and the sweep binary both reconcile).
func (r *Reconciler) Reconcile(ctx context.Context, messageID string) (campaign.Message, error) {
	release, ok, err := r.Messages.AcquireReconcileLock(ctx, messageID)
	if err != nil {
		return campaign.Message{}, fmt.Errorf("reconcile %s: %w", messageID, err)
	}
	if !ok {
		passCounter.WithLabelValues("rejected_concurrent").Inc()
		return campaign.Message{}, fmt.Errorf("reconcile %s: %w", messageID, campaign.ErrReconciliationInProgress)
	}
	defer release()

	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile_message")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", messageID))

	msg, err := r.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return campaign.Message{}, err
	}
	if len(msg.GroupIDs) == 0 {
		// Nothing was ever accepted by the gateway; there is nothing to pull.
		return msg, nil
	}

	fetchCtx := ctx
	if r.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.FetchTimeout)
		defer cancel()
	}
	reports, err := r.Gateway.FetchGroupStatus(fetchCtx, msg.GroupIDs)
	if err != nil {
		passCounter.WithLabelValues("fetch_failed").Inc()
		return campaign.Message{}, fmt.Errorf("fetch group status: %w", err)
	}

	valid, stale := filterOwned(&msg, reports)
	if stale > 0 {
		staleCounter.Add(float64(stale))
		r.Logger.Warn().
			Str("message_id", messageID).
			Int("stale_reports", stale).
			Msg("discarded group reports from a previous dispatch cycle")
	}
	snapshots := coalesce(valid)

	if err := r.Groups.UpsertGroupStatuses(ctx, messageID, snapshots); err != nil {
		return campaign.Message{}, err
	}

	// Aggregate over everything known for the message, not only this
	// fetch: the persisted snapshots carry groups the gateway omitted from
	// a partial response.
	known, err := r.Groups.ListGroupStatuses(ctx, messageID)
	if err != nil {
		return campaign.Message{}, err
	}
	owned, _ := filterOwned(&msg, known)

	agg := Aggregate(owned)
	status := campaign.DeriveStatus(msg.Status, agg.SendingCount, agg.FailCount, msg.SubmitFailedGroups)

	if agg.TotalCount != msg.TotalCount {
		mismatchCounter.Inc()
		r.Logger.Warn().
			Str("message_id", messageID).
			Int("dispatched_total", msg.TotalCount).
			Int("reported_total", agg.TotalCount).
			Msg("group totals disagree with dispatched recipient count")
	}

	if err := r.Messages.UpdateAggregate(ctx, messageID, store.Aggregate{
		SuccessCount: agg.SuccessCount,
		FailCount:    agg.FailCount,
		SendingCount: agg.SendingCount,
		TotalCount:   agg.TotalCount,
		Status:       status,
	}); err != nil {
		return campaign.Message{}, err
	}
	passCounter.WithLabelValues("ok").Inc()

	if status != msg.Status {
		if err := r.emitEvent(ctx, messageID, string(status), agg); err != nil {
			r.Logger.Error().Err(err).Str("message_id", messageID).Msg("failed to emit status event")
		}
	}

	return r.Messages.GetMessage(ctx, messageID)
}

// SweepPending reconciles every message that still has groups in flight.
// Different messages are independent, so each gets its own goroutine; a
// pass already running for one of them is simply skipped this round.
func (r *Reconciler) SweepPending(ctx context.Context, limit int) error {
	pending, err := r.Messages.ListReconcilable(ctx, limit)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, m := range pending {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Reconcile(ctx, m.ID); err != nil {
				if errors.Is(err, campaign.ErrReconciliationInProgress) {
					return
				}
				r.Logger.Error().Err(err).Str("message_id", m.ID).Msg("reconcile pass failed")
			}
		}()
	}
	wg.Wait()
	return nil
}

func (r *Reconciler) emitEvent(ctx context.Context, messageID, status string, agg AggregateCounts) error {
	if r.Events == nil {
		return nil
	}
	event := map[string]any{
		"message_id": messageID,
		"event":      "status_changed",
		"status":     status,
		"success":    agg.SuccessCount,
		"fail":       agg.FailCount,
		"sending":    agg.SendingCount,
		"total":      agg.TotalCount,
		"emitted_at": time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	return r.Events.WriteMessages(ctx, kafka.Message{Key: []byte(messageID), Value: payload})
}

// filterOwned drops every report whose group is not in the message's
// current GroupIDs. A retried send that reused the message row leaves
// residue under old group ids; counting it would corrupt the aggregate.
func filterOwned(msg *campaign.Message, reports []campaign.GroupStatus) (valid []campaign.GroupStatus, stale int) {
	for _, rep := range reports {
		if !msg.OwnsGroup(rep.GroupID) {
			stale++
			continue
		}
		valid = append(valid, rep)
	}
	return valid, stale
}

// coalesce keeps one snapshot per group. Snapshots are absolute, so the
// most recent lastSyncedAt wins; counts are never summed across duplicates.
func coalesce(reports []campaign.GroupStatus) []campaign.GroupStatus {
	byGroup := make(map[string]int, len(reports))
	out := make([]campaign.GroupStatus, 0, len(reports))
	for _, rep := range reports {
		if i, ok := byGroup[rep.GroupID]; ok {
			if rep.LastSyncedAt.After(out[i].LastSyncedAt) {
				out[i] = rep
			}
			continue
		}
		byGroup[rep.GroupID] = len(out)
		out = append(out, rep)
	}
	return out
}

// AggregateCounts is the message-level sum over valid, coalesced snapshots.
type AggregateCounts struct {
	SuccessCount int
	FailCount    int
	SendingCount int
	TotalCount   int
}

// Aggregate sums the per-group counts. Input must already be owned and
// coalesced.
func Aggregate(snapshots []campaign.GroupStatus) AggregateCounts {
	var agg AggregateCounts
	for _, gs := range snapshots {
		agg.SuccessCount += gs.SuccessCount
		agg.FailCount += gs.FailCount
		agg.SendingCount += gs.SendingCount
		agg.TotalCount += gs.TotalCount
	}
	return agg
}
