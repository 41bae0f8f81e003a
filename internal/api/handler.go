package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/bulk-dispatch/internal/campaign"
	"github.com/example/bulk-dispatch/internal/common"
	"github.com/example/bulk-dispatch/internal/dedupe"
	"github.com/example/bulk-dispatch/internal/recipient"
	"github.com/example/bulk-dispatch/internal/store"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "Total API requests, by route and outcome",
	}, []string{"route", "outcome"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "Latency of API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// Dispatcher triggers the submission path for one message.
type Dispatcher interface {
	Dispatch(ctx context.Context, messageID string) (campaign.Message, error)
}

// Reconciler runs one status reconciliation pass for one message.
type Reconciler interface {
	Reconcile(ctx context.Context, messageID string) (campaign.Message, error)
}

type Handler struct {
	messages   store.MessageStore
	resolver   *recipient.Resolver
	dedupe     dedupe.Store
	dispatcher Dispatcher
	reconciler Reconciler
	tracer     trace.Tracer
	logger     zerolog.Logger
}

func NewHandler(
	messages store.MessageStore,
	resolver *recipient.Resolver,
	dedupeStore dedupe.Store,
	dispatcher Dispatcher,
	reconciler Reconciler,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		messages:   messages,
		resolver:   resolver,
		dedupe:     dedupeStore,
		dispatcher: dispatcher,
		reconciler: reconciler,
		tracer:     otel.Tracer("api"),
		logger:     logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/messages", h.prepare)
	r.Get("/v1/messages/{id}", h.get)
	r.Post("/v1/messages/{id}/dispatch", h.dispatch)
	r.Post("/v1/messages/{id}/reconcile", h.reconcile)
	r.Post("/v1/messages/{id}/cancel", h.cancel)
	return r
}

// PrepareRequest is the payload for creating a message. Recipients arrive
// raw; normalization, de-duplication and opt-out filtering happen here, and
// the surviving list is frozen into the message.
type PrepareRequest struct {
	Channel     campaign.Channel `json:"channel"`
	BodyText    string           `json:"body_text"`
	ImageRef    string           `json:"image_ref,omitempty"`
	ButtonText  string           `json:"button_text,omitempty"`
	ButtonLink  string           `json:"button_link,omitempty"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	Recipients  []string         `json:"recipients"`
}

type prepareResponse struct {
	Message      campaign.Message `json:"message"`
	InvalidCount int              `json:"invalid_count"`
	OptOutCount  int              `json:"opt_out_count"`
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "prepare_message")
	defer span.End()
	start := time.Now()
	defer func() { requestLatency.WithLabelValues("prepare").Observe(time.Since(start).Seconds()) }()

	var req PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, "prepare", http.StatusBadRequest, err)
		return
	}
	if err := validatePrepare(req); err != nil {
		h.respondErr(ctx, w, "prepare", http.StatusBadRequest, err)
		return
	}

	res, err := h.resolver.Resolve(ctx, req.Recipients)
	if err != nil {
		if errors.Is(err, campaign.ErrNoValidRecipients) {
			h.respondErr(ctx, w, "prepare", http.StatusUnprocessableEntity, err)
			return
		}
		h.respondErr(ctx, w, "prepare", http.StatusInternalServerError, err)
		return
	}

	fp := dedupe.Fingerprint(req.Channel, req.BodyText, res.Recipients)
	seen, err := h.dedupe.Remember(ctx, fp)
	if err != nil {
		h.respondErr(ctx, w, "prepare", http.StatusInternalServerError, err)
		return
	}
	if seen {
		h.respondErr(ctx, w, "prepare", http.StatusConflict, campaign.ErrDuplicateRequest)
		return
	}

	now := time.Now().UTC()
	status := campaign.StatusDraft
	if req.ScheduledAt != nil {
		status = campaign.StatusScheduled
	}
	msg := campaign.Message{
		ID:          uuid.NewString(),
		Channel:     req.Channel,
		BodyText:    req.BodyText,
		ImageRef:    req.ImageRef,
		ButtonText:  req.ButtonText,
		ButtonLink:  req.ButtonLink,
		Status:      status,
		ScheduledAt: req.ScheduledAt,
		Recipients:  res.Recipients,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.messages.CreateMessage(ctx, msg); err != nil {
		// Release the fingerprint: the row does not exist, so a retry must
		// not sit behind a 409 for the rest of the TTL.
		if forgetErr := h.dedupe.Forget(ctx, fp); forgetErr != nil {
			h.logger.Error().Err(forgetErr).Msg("failed to release dedupe fingerprint")
		}
		h.respondErr(ctx, w, "prepare", http.StatusInternalServerError, err)
		return
	}

	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.Int("message.recipients", len(res.Recipients)),
	)
	reqCounter.WithLabelValues("prepare", "created").Inc()
	h.respondJSON(w, http.StatusCreated, prepareResponse{
		Message:      msg,
		InvalidCount: res.InvalidCount,
		OptOutCount:  res.OptOutCount,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get_message")
	defer span.End()

	msg, err := h.messages.GetMessage(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(ctx, w, "get", statusFor(err), err)
		return
	}
	reqCounter.WithLabelValues("get", "ok").Inc()
	h.respondJSON(w, http.StatusOK, msg)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "dispatch_message")
	defer span.End()
	start := time.Now()
	defer func() { requestLatency.WithLabelValues("dispatch").Observe(time.Since(start).Seconds()) }()

	msg, err := h.dispatcher.Dispatch(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(ctx, w, "dispatch", statusFor(err), err)
		return
	}
	reqCounter.WithLabelValues("dispatch", "ok").Inc()
	h.respondJSON(w, http.StatusOK, msg)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "reconcile_message")
	defer span.End()
	start := time.Now()
	defer func() { requestLatency.WithLabelValues("reconcile").Observe(time.Since(start).Seconds()) }()

	msg, err := h.reconciler.Reconcile(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(ctx, w, "reconcile", statusFor(err), err)
		return
	}
	reqCounter.WithLabelValues("reconcile", "ok").Inc()
	h.respondJSON(w, http.StatusOK, msg)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "cancel_message")
	defer span.End()

	id := chi.URLParam(r, "id")
	ok, err := h.messages.TransitionStatus(ctx, id,
		[]campaign.Status{campaign.StatusDraft, campaign.StatusScheduled, campaign.StatusSending},
		campaign.StatusCancelled)
	if err != nil {
		h.respondErr(ctx, w, "cancel", statusFor(err), err)
		return
	}
	if !ok {
		// Either unknown or already terminal; distinguish for the caller.
		msg, getErr := h.messages.GetMessage(ctx, id)
		if getErr != nil {
			h.respondErr(ctx, w, "cancel", statusFor(getErr), getErr)
			return
		}
		h.respondErr(ctx, w, "cancel", http.StatusConflict,
			errors.Join(campaign.ErrInvalidTransition, errors.New("status "+string(msg.Status))))
		return
	}

	msg, err := h.messages.GetMessage(ctx, id)
	if err != nil {
		h.respondErr(ctx, w, "cancel", statusFor(err), err)
		return
	}
	reqCounter.WithLabelValues("cancel", "ok").Inc()
	h.respondJSON(w, http.StatusOK, msg)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, route string, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	logger.Error().Err(err).Str("route", route).Int("status", status).Msg("request failed")
	reqCounter.WithLabelValues(route, http.StatusText(status)).Inc()
	http.Error(w, err.Error(), status)
}

// statusFor maps domain errors onto HTTP codes. Unknown errors are server
// faults.
func statusFor(err error) int {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrReconciliationInProgress),
		errors.Is(err, campaign.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrNoValidRecipients):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func validatePrepare(req PrepareRequest) error {
	if !campaign.ValidChannel(req.Channel) {
		return errors.New("channel must be one of sms, mms, kakao-friendtalk, kakao-alimtalk")
	}
	if req.BodyText == "" {
		return errors.New("body_text is required")
	}
	if len(req.Recipients) == 0 {
		return errors.New("recipients is required")
	}
	if req.ImageRef != "" && req.Channel == campaign.ChannelSMS {
		return errors.New("image_ref is not supported on sms")
	}
	if (req.ButtonText == "") != (req.ButtonLink == "") {
		return errors.New("button_text and button_link must be set together")
	}
	if req.ScheduledAt != nil && req.ScheduledAt.Before(time.Now().UTC()) {
		return errors.New("scheduled_at must be in the future")
	}
	return nil
}
