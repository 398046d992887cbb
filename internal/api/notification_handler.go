package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sungwon/inventory-notify/internal/auth"
	"github.com/sungwon/inventory-notify/internal/logger"
	"github.com/sungwon/inventory-notify/internal/notification"
	"github.com/sungwon/inventory-notify/internal/queue"
	"github.com/sungwon/inventory-notify/internal/worker"
)

const (
	defaultBatchSize   = queue.MaxReceiveBatch
	defaultMaxRequeue  = 10
	maxRequeuePerCall  = 1000
	maxRequestBodySize = 1 << 20
)

// NotificationService is the queue service surface used by the handlers.
type NotificationService interface {
	Pinger
	QueueNotification(ctx context.Context, p notification.Payload, opts notification.QueueOptions) bool
	ProcessQueuedNotifications(ctx context.Context, batchSize int) notification.BatchResult
	RequeueFailedMessages(ctx context.Context, maxMessages int) notification.RequeueResult
	GetQueueStats(ctx context.Context) notification.StatsSnapshot
	PurgeQueue(ctx context.Context, kind notification.QueueKind) error
	ListQueues(ctx context.Context, prefix string) ([]string, error)
}

// EventNotifier queues inventory change events.
type EventNotifier interface {
	Notify(ctx context.Context, ev notification.Event) bool
}

// WorkerStatser exposes the in-process worker statistics.
type WorkerStatser interface {
	Stats() worker.Stats
}

// decodeBody decodes an optional JSON body into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type submitEventResponse struct {
	Status  string `json:"status"`
	Subject string `json:"subject"`
}

// SubmitEventHandler handles POST /api/v1/notifications.
// The event is formatted and queued for all subscribers.
func SubmitEventHandler(n EventNotifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev notification.Event
		if err := decodeBody(r, &ev); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var problems []string
		if strings.TrimSpace(ev.Resource) == "" {
			problems = append(problems, "resource is required")
		}
		if strings.TrimSpace(ev.Action) == "" {
			problems = append(problems, "action is required")
		}
		if len(problems) > 0 {
			respondValidationErrors(w, problems)
			return
		}
		ev.Priority = notification.ParsePriority(string(ev.Priority))

		if !n.Notify(r.Context(), ev) {
			respondError(w, http.StatusServiceUnavailable, "failed to queue notification")
			return
		}

		logger.FromContext(r.Context()).Info().
			Str("subject", auth.SubjectFromContext(r.Context())).
			Str("resource", ev.Resource).
			Str("action", ev.Action).
			Msg("event submitted")

		respondJSON(w, http.StatusAccepted, submitEventResponse{
			Status:  "queued",
			Subject: notification.FormatEvent(ev).Subject,
		})
	}
}

type submitMessageRequest struct {
	notification.Payload
	Priority     string `json:"priority"`
	DelaySeconds int    `json:"delay_seconds"`
}

// SubmitMessageHandler handles POST /api/v1/notifications/messages.
// It queues a ready-made payload for a single recipient or all subscribers.
func SubmitMessageHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitMessageRequest
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := req.Payload.Validate(); err != nil {
			respondValidationErrors(w, []string{err.Error()})
			return
		}
		if req.DelaySeconds < 0 || req.DelaySeconds > int(queue.MaxDelay.Seconds()) {
			respondValidationErrors(w, []string{"delay_seconds must be between 0 and 900"})
			return
		}

		opts := notification.QueueOptions{
			Delay:    secondsDuration(req.DelaySeconds),
			Priority: notification.ParsePriority(req.Priority),
		}
		if !svc.QueueNotification(r.Context(), req.Payload, opts) {
			respondError(w, http.StatusServiceUnavailable, "failed to queue notification")
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

// StatsHandler handles GET /api/v1/notifications/stats.
func StatsHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := svc.GetQueueStats(r.Context())
		status := http.StatusOK
		if snap.Status == notification.StatusError {
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, status, snap)
	}
}

type processRequest struct {
	BatchSize int `json:"batch_size"`
}

// ProcessHandler handles POST /api/v1/notifications/process.
// It drains one batch synchronously and returns the batch summary.
func ProcessHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := processRequest{BatchSize: defaultBatchSize}
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.BatchSize < 1 || req.BatchSize > queue.MaxReceiveBatch {
			respondValidationErrors(w, []string{"batch_size must be between 1 and 10"})
			return
		}

		res := svc.ProcessQueuedNotifications(r.Context(), req.BatchSize)
		respondJSON(w, resultStatus(res.Status), res)
	}
}

type requeueRequest struct {
	MaxMessages int `json:"max_messages"`
}

// RequeueHandler handles POST /api/v1/notifications/dlq/requeue.
// It moves up to max_messages from the dead-letter queue back to the live queue.
func RequeueHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := requeueRequest{MaxMessages: defaultMaxRequeue}
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.MaxMessages < 1 || req.MaxMessages > maxRequeuePerCall {
			respondValidationErrors(w, []string{"max_messages must be between 1 and 1000"})
			return
		}

		res := svc.RequeueFailedMessages(r.Context(), req.MaxMessages)
		logger.FromContext(r.Context()).Info().
			Str("subject", auth.SubjectFromContext(r.Context())).
			Int("requeued", res.Requeued).
			Int("available", res.AvailableInDeadLetter).
			Msg("dead-letter requeue requested")
		respondJSON(w, resultStatus(res.Status), res)
	}
}

type purgeRequest struct {
	Queue notification.QueueKind `json:"queue"`
}

// PurgeHandler handles POST /api/v1/notifications/purge.
// The queue must be named explicitly.
func PurgeHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req purgeRequest
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Queue != notification.QueueLive && req.Queue != notification.QueueDeadLetter {
			respondValidationErrors(w, []string{"queue must be live or dead_letter"})
			return
		}

		if err := svc.PurgeQueue(r.Context(), req.Queue); err != nil {
			if errors.Is(err, notification.ErrDisabled) {
				respondError(w, http.StatusConflict, "notification queueing is disabled")
				return
			}
			logger.FromContext(r.Context()).Error().Err(err).Str("queue", string(req.Queue)).Msg("purge failed")
			respondError(w, http.StatusInternalServerError, "purge failed")
			return
		}

		logger.FromContext(r.Context()).Warn().
			Str("subject", auth.SubjectFromContext(r.Context())).
			Str("queue", string(req.Queue)).
			Msg("queue purged via api")
		respondJSON(w, http.StatusOK, map[string]string{"status": notification.StatusSuccess, "queue": string(req.Queue)})
	}
}

// ListQueuesHandler handles GET /api/v1/notifications/queues?prefix=.
func ListQueuesHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := svc.ListQueues(r.Context(), r.URL.Query().Get("prefix"))
		if err != nil {
			if errors.Is(err, notification.ErrDisabled) {
				respondError(w, http.StatusConflict, "notification queueing is disabled")
				return
			}
			logger.FromContext(r.Context()).Error().Err(err).Msg("list queues failed")
			respondError(w, http.StatusInternalServerError, "list queues failed")
			return
		}
		if names == nil {
			names = []string{}
		}
		respondJSON(w, http.StatusOK, map[string][]string{"queues": names})
	}
}

// WorkerStatsHandler handles GET /api/v1/notifications/worker.
func WorkerStatsHandler(ws WorkerStatser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ws == nil {
			respondError(w, http.StatusNotFound, "no worker runs in this process")
			return
		}
		respondJSON(w, http.StatusOK, ws.Stats())
	}
}

func resultStatus(status string) int {
	if status == notification.StatusError {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
