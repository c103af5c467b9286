package feedapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/overwatch/internal/threatfeed"
	"github.com/linnemanlabs/overwatch/internal/tribunal"
)

// streamBuffer is how many events a slow client may fall behind before
// updates to it are dropped.
const streamBuffer = 16

const (
	eventThreats  = "threats"
	eventTribunal = "tribunal"
)

type streamEvent struct {
	name string
	data any
}

// handleStream pushes both feeds' snapshots as server-sent events: once on
// connect, then on every tick of either generator.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	select {
	case <-a.closing:
		http.Error(w, `{"error":"shutting down"}`, http.StatusServiceUnavailable)
		return
	default:
	}

	events := make(chan streamEvent, streamBuffer)
	send := func(e streamEvent) {
		select {
		case events <- e:
		default:
			a.logger.Warn(ctx, "stream client too slow, dropping update", "event", e.name)
		}
	}

	unsubThreats := a.threats.Subscribe(func(u threatfeed.Update) {
		send(streamEvent{name: eventThreats, data: u.Snapshot})
	})
	defer unsubThreats()
	unsubTribunal := a.tribunal.Subscribe(func(u tribunal.Update) {
		send(streamEvent{name: eventTribunal, data: u.Snapshot})
	})
	defer unsubTribunal()

	if a.metrics != nil {
		a.metrics.StreamClients.Inc()
		defer a.metrics.StreamClients.Dec()
	}

	// streams outlive the server write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		a.logger.Error(ctx, err, "stream write deadline unsupported")
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	initial := []streamEvent{
		{name: eventThreats, data: a.threats.Snapshot()},
		{name: eventTribunal, data: a.tribunal.Snapshot()},
	}
	for _, e := range initial {
		if err := writeEvent(w, e); err != nil {
			return
		}
	}
	if err := rc.Flush(); err != nil {
		a.logger.Error(ctx, err, "stream flush unsupported")
		return
	}

	a.logger.Info(ctx, "stream client connected")
	defer a.logger.Info(ctx, "stream client disconnected")

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closing:
			return
		case e := <-events:
			if err := writeEvent(w, e); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, e streamEvent) error {
	data, err := json.Marshal(e.data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, data)
	return err
}
