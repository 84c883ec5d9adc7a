package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/skip2/go-qrcode"

	"github.com/LeventeLantos/reseller-notifier/internal/cache"
	"github.com/LeventeLantos/reseller-notifier/internal/model"
	"github.com/LeventeLantos/reseller-notifier/internal/ratelimit"
	"github.com/LeventeLantos/reseller-notifier/internal/repo"
	"github.com/LeventeLantos/reseller-notifier/internal/scheduler"
	"github.com/LeventeLantos/reseller-notifier/internal/service"
)

type Handler struct {
	queue      *service.Queue
	enqueuer   *service.Enqueuer
	sweeper    *scheduler.Sweeper
	loops      []*scheduler.Loop
	limiter    *ratelimit.Limiter
	rateLimits repo.RateLimitRepository
	receipts   cache.Receipts
	pairing    Pairing
}

// Pairing exposes the device pairing code of a transport that needs one.
type Pairing interface {
	QR() (code string, paired bool)
}

type Deps struct {
	Queue      *service.Queue
	Enqueuer   *service.Enqueuer
	Sweeper    *scheduler.Sweeper
	Loops      []*scheduler.Loop
	Limiter    *ratelimit.Limiter
	RateLimits repo.RateLimitRepository
	Receipts   cache.Receipts
	Pairing    Pairing
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		queue:      d.Queue,
		enqueuer:   d.Enqueuer,
		sweeper:    d.Sweeper,
		loops:      d.Loops,
		limiter:    d.Limiter,
		rateLimits: d.RateLimits,
		receipts:   d.Receipts,
		pairing:    d.Pairing,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"ok": true})
}

// Messages

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repo.ListFilter{
		Limit:  parseInt(q.Get("limit"), 50),
		Offset: parseInt(q.Get("offset"), 0),
	}
	if raw := q.Get("status"); raw != "" {
		st, ok := model.ParseStatus(raw)
		if !ok {
			writeError(w, r, badRequest("unknown status %q", raw))
			return
		}
		f.Status = &st
	}

	items, err := h.queue.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.QueueMessage{}
	}
	render.JSON(w, r, map[string]any{"items": items, "limit": f.Limit, "offset": f.Offset})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	m, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := messageView{QueueMessage: m}
	if m.Status == model.Sent && h.receipts != nil {
		rc, ok, err := h.receipts.Sent(r.Context(), id)
		if err != nil {
			slog.Warn("receipt lookup failed", "message_id", id, "err", err)
		} else if ok {
			out.Receipt = &rc
		}
	}
	render.JSON(w, r, out)
}

// messageView adds the cached transport receipt, present for a while after
// the send.
type messageView struct {
	model.QueueMessage
	Receipt *cache.Receipt `json:"receipt,omitempty"`
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var in service.ManualMessage
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		writeError(w, r, badRequest("invalid body: %v", err))
		return
	}
	m, err := h.enqueuer.EnqueueManual(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, m)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, stats)
}

func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	if err := h.queue.Retry(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"id": id, "status": model.Pending})
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	if err := h.queue.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteSent(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.DeleteSent(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"deleted": n})
}

func (h *Handler) ForceProcess(w http.ResponseWriter, r *http.Request) {
	runID := h.queue.ForceProcess(r.Context())
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]any{"run_id": runID})
}

// Events

type eventRequest struct {
	ClientID string         `json:"client_id"`
	Invoice  *model.Invoice `json:"invoice,omitempty"`
}

func (h *Handler) Event(w http.ResponseWriter, r *http.Request) {
	typ, err := model.ParseTemplateType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in eventRequest
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		writeError(w, r, badRequest("invalid body: %v", err))
		return
	}
	if in.ClientID == "" {
		writeError(w, r, badRequest("client_id is required"))
		return
	}

	m, created, err := h.enqueuer.EnqueueEvent(r.Context(), in.ClientID, typ, in.Invoice)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !created {
		render.JSON(w, r, map[string]any{"created": false})
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{"created": true, "message": m})
}

// Scheduler

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.loopStatus())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	for _, l := range h.loops {
		l.Start()
	}
	render.JSON(w, r, h.loopStatus())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	for _, l := range h.loops {
		l.Stop()
	}
	render.JSON(w, r, h.loopStatus())
}

func (h *Handler) SchedulerRun(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

func (h *Handler) loopStatus() map[string]any {
	running := len(h.loops) > 0
	loops := make([]scheduler.Status, 0, len(h.loops))
	for _, l := range h.loops {
		st := l.Status()
		running = running && st.Running
		loops = append(loops, st)
	}
	return map[string]any{"running": running, "loops": loops}
}

// Rate limit

type rateLimitBody struct {
	MessagesPerMinute   int `json:"messages_per_minute"`
	MessagesPerHour     int `json:"messages_per_hour"`
	DelayBetweenSeconds int `json:"delay_between_messages_seconds"`
}

func toBody(cfg model.RateLimitConfig) rateLimitBody {
	return rateLimitBody{
		MessagesPerMinute:   cfg.MessagesPerMinute,
		MessagesPerHour:     cfg.MessagesPerHour,
		DelayBetweenSeconds: int(cfg.DelayBetweenMessages / time.Second),
	}
}

func (h *Handler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	st := h.limiter.Stats(r.Context())
	render.JSON(w, r, map[string]any{
		"config":               toBody(st.Config),
		"last_minute":          st.LastMinute,
		"last_hour":            st.LastHour,
		"last_send":            st.LastSend,
		"paused_until":         st.PausedTill,
		"next_send_in_seconds": h.limiter.Delay(st.Config).Seconds(),
	})
}

func (h *Handler) PutRateLimit(w http.ResponseWriter, r *http.Request) {
	var in rateLimitBody
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		writeError(w, r, badRequest("invalid body: %v", err))
		return
	}
	if in.DelayBetweenSeconds < 0 {
		writeError(w, r, badRequest("delay_between_messages_seconds must be >= 0"))
		return
	}
	cfg := model.RateLimitConfig{
		MessagesPerMinute:    in.MessagesPerMinute,
		MessagesPerHour:      in.MessagesPerHour,
		DelayBetweenMessages: time.Duration(in.DelayBetweenSeconds) * time.Second,
	}
	if err := h.rateLimits.SaveRateLimit(r.Context(), cfg); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("rate limit updated", "per_minute", cfg.MessagesPerMinute, "per_hour", cfg.MessagesPerHour, "delay", cfg.DelayBetweenMessages.String())
	render.JSON(w, r, toBody(cfg))
}

// Transport

// WhatsAppQR serves the pairing code as a PNG to scan with the phone.
func (h *Handler) WhatsAppQR(w http.ResponseWriter, r *http.Request) {
	if h.pairing == nil {
		writeError(w, r, fmt.Errorf("%w: transport needs no pairing", repo.ErrNotFound))
		return
	}
	code, paired := h.pairing.QR()
	if paired {
		render.JSON(w, r, map[string]any{"paired": true})
		return
	}
	if code == "" {
		// not generated yet
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, map[string]any{"paired": false})
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		writeError(w, r, fmt.Errorf("encode qr: %w", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repo.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, model.ErrUnknownTemplateType):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "err", err)
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

func messageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, badRequest("invalid message id %q", raw))
		return 0, false
	}
	return id, true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
