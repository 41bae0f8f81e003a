package dispatch

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

	"github.com/example/bulk-dispatch/internal/batch"
	"github.com/example/bulk-dispatch/internal/campaign"
	"github.com/example/bulk-dispatch/internal/gateway"
	"github.com/example/bulk-dispatch/internal/store"
)

var (
	groupCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_groups_total",
		Help: "Send-groups submitted to the gateway, by outcome",
	}, []string{"outcome"})
	dispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_duration_seconds",
		Help:    "End-to-end latency of one message dispatch",
		Buckets: prometheus.DefBuckets,
	})
)

// Dispatcher batches a message's frozen recipient list, submits every group
// through the gateway with bounded parallelism, and records the outcome.
type Dispatcher struct {
	Messages store.MessageStore
	Groups   store.GroupStatusStore
	Logs     store.DeliveryLogStore
	Gateway  gateway.Gateway
	Events   *kafka.Writer
	Logger   zerolog.Logger

	MaxGroupSize  int
	Workers       int
	SubmitTimeout time.Duration
}

type submitOutcome struct {
	index   int
	groupID string
	err     error
}

// Dispatch runs the full submission path for one prepared message. A
// per-group failure never aborts the remaining groups; GroupIDs ends up
// holding exactly the identifiers the gateway accepted. Re-running after a
// crash is safe: delivery logs are upserts and a half-dispatched message
// (sending, no groups recorded) is picked up again.
func (d *Dispatcher) Dispatch(ctx context.Context, messageID string) (campaign.Message, error) {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch_message")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", messageID))

	start := time.Now()
	defer func() { dispatchLatency.Observe(time.Since(start).Seconds()) }()

	msg, err := d.claim(ctx, messageID)
	if err != nil {
		return campaign.Message{}, err
	}

	content := batch.Content{
		Channel:    msg.Channel,
		BodyText:   msg.BodyText,
		ImageRef:   msg.ImageRef,
		ButtonText: msg.ButtonText,
		ButtonLink: msg.ButtonLink,
	}
	groups, err := batch.Split(msg.Recipients, content, d.MaxGroupSize)
	if err != nil {
		return campaign.Message{}, fmt.Errorf("batch recipients: %w", err)
	}

	outcomes := d.submitAll(ctx, groups)

	now := time.Now().UTC()
	var (
		accepted     []string
		seeds        []campaign.GroupStatus
		logs         []campaign.DeliveryLog
		failedGroups int
		total        int
	)
	for _, g := range groups {
		out := outcomes[g.Index]
		logStatus := campaign.LogSent
		if out.err != nil {
			failedGroups++
			logStatus = campaign.LogFailed
			groupCounter.WithLabelValues("failed").Inc()
			d.Logger.Warn().Err(out.err).
				Str("message_id", messageID).
				Int("group_index", g.Index).
				Msg("group submission failed")
		} else {
			accepted = append(accepted, out.groupID)
			total += len(g.Recipients)
			seeds = append(seeds, campaign.GroupStatus{
				GroupID:      out.groupID,
				SendingCount: len(g.Recipients),
				TotalCount:   len(g.Recipients),
				LastSyncedAt: now,
			})
			groupCounter.WithLabelValues("submitted").Inc()
		}
		for _, r := range g.Recipients {
			logs = append(logs, campaign.DeliveryLog{
				MessageID:      messageID,
				RecipientPhone: r,
				Channel:        msg.Channel,
				Status:         logStatus,
				SentAt:         now,
			})
		}
	}

	status := campaign.DeriveStatus(campaign.StatusSending, total, 0, failedGroups)
	if len(accepted) == 0 {
		// Nothing reached the gateway, nothing will ever report back.
		status = campaign.StatusPartiallyFailed
	}

	if err := d.Messages.UpdateDispatch(ctx, messageID, store.DispatchUpdate{
		GroupIDs:           accepted,
		Status:             status,
		TotalCount:         total,
		SendingCount:       total,
		SubmitFailedGroups: failedGroups,
	}); err != nil {
		return campaign.Message{}, err
	}
	if err := d.Groups.UpsertGroupStatuses(ctx, messageID, seeds); err != nil {
		return campaign.Message{}, err
	}
	if err := d.Logs.UpsertDeliveryLogs(ctx, logs); err != nil {
		return campaign.Message{}, err
	}

	d.Logger.Info().
		Str("message_id", messageID).
		Int("groups_submitted", len(accepted)).
		Int("groups_failed", failedGroups).
		Int("recipients", total).
		Msg("dispatch completed")

	if err := d.emitEvent(ctx, messageID, string(status), len(accepted), failedGroups); err != nil {
		d.Logger.Error().Err(err).Str("message_id", messageID).Msg("failed to emit dispatch event")
	}

	return d.Messages.GetMessage(ctx, messageID)
}

// DispatchDue triggers every scheduled message whose time has come. The
// optimistic scheduled->sending transition inside Dispatch keeps concurrent
// sweeps single-winner; cancelled messages never show up as due.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := d.Messages.ListDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, m := range due {
		if _, err := d.Dispatch(ctx, m.ID); err != nil {
			if errors.Is(err, campaign.ErrInvalidTransition) {
				continue // another sweep won the claim
			}
			d.Logger.Error().Err(err).Str("message_id", m.ID).Msg("scheduled dispatch failed")
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// claim moves the message into sending, or resumes a crashed dispatch that
// claimed the message but never recorded any groups.
func (d *Dispatcher) claim(ctx context.Context, messageID string) (campaign.Message, error) {
	msg, err := d.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return campaign.Message{}, err
	}

	ok, err := d.Messages.TransitionStatus(ctx, messageID,
		[]campaign.Status{campaign.StatusDraft, campaign.StatusScheduled},
		campaign.StatusSending)
	if err != nil {
		return campaign.Message{}, err
	}
	if ok {
		return msg, nil
	}

	msg, err = d.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return campaign.Message{}, err
	}
	if msg.Status == campaign.StatusSending && len(msg.GroupIDs) == 0 {
		return msg, nil
	}
	return campaign.Message{}, fmt.Errorf("dispatch %s from status %q: %w",
		messageID, msg.Status, campaign.ErrInvalidTransition)
}

// submitAll pushes groups through a bounded worker pool. The gateway is
// rate-limited and latency-bound, so a handful of in-flight submissions is
// the sweet spot between sequential crawl and provider throttling.
func (d *Dispatcher) submitAll(ctx context.Context, groups []batch.Group) []submitOutcome {
	workers := d.Workers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(groups) {
		workers = len(groups)
	}
	timeout := d.SubmitTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	jobs := make(chan batch.Group)
	outcomes := make([]submitOutcome, len(groups))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range jobs {
				callCtx, cancel := context.WithTimeout(ctx, timeout)
				groupID, err := d.Gateway.SubmitGroup(callCtx, g.Content, g.Recipients)
				cancel()
				outcomes[g.Index] = submitOutcome{index: g.Index, groupID: groupID, err: err}
			}
		}()
	}
	for _, g := range groups {
		jobs <- g
	}
	close(jobs)
	wg.Wait()

	return outcomes
}

func (d *Dispatcher) emitEvent(ctx context.Context, messageID, status string, submitted, failed int) error {
	if d.Events == nil {
		return nil
	}
	event := map[string]any{
		"message_id":       messageID,
		"event":            "dispatched",
		"status":           status,
		"groups_submitted": submitted,
		"groups_failed":    failed,
		"emitted_at":       time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal dispatch event: %w", err)
	}
	return d.Events.WriteMessages(ctx, kafka.Message{Key: []byte(messageID), Value: payload})
}
