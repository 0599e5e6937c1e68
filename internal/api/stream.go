package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/apperr"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/notify"
)

const (
	DefaultHeartbeat = 30 * time.Second

	EventAvailability = "availability"
	EventHeartbeat    = "heartbeat"
	EventError        = "error"
)

// streamAvailability pushes a fresh availability result every time the
// change notifier reports a relevant change. The subscription is released
// when the client goes away.
func (h *Handler) streamAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.logger(r)

	q, err := parseAvailabilityQuery(r)
	if err != nil {
		writeAppError(w, log, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, string(apperr.KindInternal), "streaming not supported")
		return
	}

	// Subscribe before the first read so no change between the two is lost.
	events, unsubscribe := h.changes.Subscribe(ctx, notify.TopicAvailability)
	defer unsubscribe()

	first, err := h.resolver.GetAvailability(ctx, q)
	if apperr.KindOf(err) == apperr.KindValidation {
		writeAppError(w, log, err)
		return
	}

	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := h.pushAvailability(w, first, err); err != nil {
		return
	}
	flusher.Flush()

	interval := h.heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("availability stream closed by client")
			return
		case <-ticker.C:
			if err := sendEvent(w, EventHeartbeat, map[string]any{"timestamp": time.Now().UTC()}); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !relevant(q, evt) {
				continue
			}
			drain(events)
			avail, err := h.resolver.GetAvailability(ctx, q)
			if err := h.pushAvailability(w, avail, err); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) pushAvailability(w io.Writer, avail *appointment.Availability, err error) error {
	if err != nil {
		return sendEvent(w, EventError, ErrorBody{Code: string(apperr.KindOf(err)), Message: apperr.Message(err)})
	}
	return sendEvent(w, EventAvailability, toAvailabilityResponse(avail))
}

// drain discards queued notifications; one re-read covers all of them.
func drain(events <-chan notify.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// relevant filters out changes for other providers or other dates.
func relevant(q appointment.AvailabilityQuery, evt notify.Event) bool {
	if q.ProviderID != nil && evt.ProviderID != "" && evt.ProviderID != q.ProviderID.String() {
		return false
	}
	if evt.Date == "" {
		return true
	}
	end := q.EndDate
	if end == "" {
		end = q.StartDate
	}
	return evt.Date >= q.StartDate && evt.Date <= end
}

func sendEvent(w io.Writer, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}
