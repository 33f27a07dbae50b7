package daemon

import (
	"fmt"
	"net/http"
	"time"
)

// handleSSEEvents streams reflection outcomes and daemon heartbeats.
// GET /api/v1/events
//
// Event format:
//
//	id: <event_id>
//	event: <event_type>
//	data: <json_payload>
func (d *Daemon) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	subID, eventCh := d.bus.Subscribe()
	if eventCh == nil {
		http.Error(w, "event bus closed", http.StatusServiceUnavailable)
		return
	}
	defer d.bus.Unsubscribe(subID)

	d.logger.Debug().Uint64("subscriber_id", subID).Msg("SSE client connected")

	if err := writeSSEEvent(w, flusher, &Event{Type: "connected", Timestamp: time.Now(), Data: map[string]string{"message": "connected to event stream"}}); err != nil {
		return
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			d.logger.Debug().Uint64("subscriber_id", subID).Msg("SSE client disconnected")
			return

		case <-d.shutdownCh:
			writeSSEEvent(w, flusher, &Event{Type: "shutdown", Timestamp: time.Now(), Data: map[string]string{"message": "daemon shutting down"}})
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, event); err != nil {
				d.logger.Debug().Err(err).Uint64("subscriber_id", subID).Msg("failed to write SSE event")
				return
			}

		case <-heartbeat.C:
			d.mu.RLock()
			uptime := time.Since(d.startTime).Truncate(time.Second).String()
			d.mu.RUnlock()

			status := DaemonStatusData{
				Status:      "running",
				Uptime:      uptime,
				StartTime:   d.startTime,
				Subscribers: d.bus.SubscriberCount(),
			}

			if err := writeSSEEvent(w, flusher, &Event{Type: eventDaemonStatus, Timestamp: time.Now(), Data: status}); err != nil {
				return
			}
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event *Event) error {
	if event.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", event.ID); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", marshalData(event.Data)); err != nil {
		return err
	}

	flusher.Flush()
	return nil
}

// SSEStats returns current SSE connection statistics.
type SSEStats struct {
	Subscribers int  `json:"subscribers"`
	Available   bool `json:"available"`
}

// handleSSEStats returns SSE connection statistics.
// GET /api/v1/events/stats
func (d *Daemon) handleSSEStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SSEStats{
		Available:   true,
		Subscribers: d.bus.SubscriberCount(),
	})
}
