package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"squirrel/internal/core"
	"squirrel/internal/identity"
	"squirrel/internal/log"
	"squirrel/internal/services"
)

// handleStream sends the caller's full view as a server-sent "view" event
// now and after every change. While the store is unreachable the stream
// stays open, a "lost" event is sent once the outage is confirmed and the
// next "view" event follows recovery.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrorResponse(http.StatusNotImplemented, "no_streaming", "streaming unsupported").Write(w)
		return
	}
	ctx := r.Context()
	logger := log.FromContext(ctx)

	// Views are full snapshots, so a slow reader only needs the latest.
	views := make(chan core.View, 1)
	lost := make(chan error, 1)
	policy := s.config.Subscription
	policy.OnLost = func(_ string, err error) {
		select {
		case lost <- err:
		default:
		}
	}

	manager := services.NewSubscriptionManager(identity.FromContext(ctx), s.ledger, policy, s.logger)
	sub, err := manager.Subscribe(ctx, func(v core.View) {
		for {
			select {
			case views <- v:
				return
			default:
			}
			select {
			case <-views:
			default:
			}
		}
	})
	if err != nil {
		s.fail(w, r, "Stream subscription failed", log.OpSubscribe, err)
		return
	}
	defer manager.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	logger.InfoContext(ctx, "Stream opened", log.FieldOperation, log.OpSubscribe)

	heartbeat := time.NewTicker(s.config.Heartbeat)
	defer heartbeat.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "Stream closed by client")
			return
		case <-s.closing:
			_ = writeEvent(w, "shutdown", "", map[string]string{"status": "closing"})
			flusher.Flush()
			return
		case <-sub.Done():
			return
		case v := <-views:
			s.agg.Observe(v)
			err = writeEvent(w, "view", fmt.Sprint(v.Version), newViewResponse(v))
		case cause := <-lost:
			logger.WarnContext(ctx, "Stream lost its live view", log.FieldError, cause.Error())
			err = writeEvent(w, "lost", "", ErrorBody{Error: "live updates interrupted, reconnecting", Code: "subscription_lost"})
		case <-heartbeat.C:
			_, err = io.WriteString(w, ": keep-alive\n\n")
		}
		if err != nil {
			logger.DebugContext(ctx, "Stream write failed", log.FieldError, err.Error())
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, event, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
