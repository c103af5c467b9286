// Package feedapi serves generator snapshots to the dashboard over HTTP.
package feedapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/overwatch/internal/threatfeed"
	"github.com/linnemanlabs/overwatch/internal/tribunal"
)

// ThreatFeed is what the API needs from the threat generator.
type ThreatFeed interface {
	Snapshot() threatfeed.Snapshot
	Subscribe(fn func(threatfeed.Update)) (unsubscribe func())
}

// TribunalFeed is what the API needs from the tribunal generator.
type TribunalFeed interface {
	Snapshot() tribunal.Snapshot
	Subscribe(fn func(tribunal.Update)) (unsubscribe func())
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	threats  ThreatFeed
	tribunal TribunalFeed
	metrics  *Metrics

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new API handler. metrics may be nil.
func New(logger log.Logger, threats ThreatFeed, trib TribunalFeed, metrics *Metrics) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if threats == nil {
		panic(xerrors.New("threat feed is required"))
	}
	if trib == nil {
		panic(xerrors.New("tribunal feed is required"))
	}
	return &API{
		logger:   logger,
		threats:  threats,
		tribunal: trib,
		metrics:  metrics,
		closing:  make(chan struct{}),
	}
}

// CloseStreams ends every open event stream and rejects new ones, so server
// shutdown is not held open by long-lived clients.
func (a *API) CloseStreams() {
	a.closeOnce.Do(func() { close(a.closing) })
}

// StreamPath serves the server-sent event stream.
const StreamPath = "/api/v1/stream"

// RegisterRoutes attaches the snapshot endpoints to the router. The stream is
// served by Handler instead.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/threats", a.handleGetThreats)
		r.Get("/threats/markers", a.handleGetMarkers)
		r.Get("/tribunal", a.handleGetTribunal)
	})
}

// Handler serves GET StreamPath directly and sends everything else to rest.
// The stream bypasses rest's middleware: it needs the raw connection to
// flush events and to lift the server write timeout.
func (a *API) Handler(rest http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+StreamPath, a.handleStream)
	mux.Handle("/", rest)
	return mux
}

func (a *API) handleGetThreats(w http.ResponseWriter, r *http.Request) {
	snap := a.threats.Snapshot()

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int("overwatch.threats.active", len(snap.ActiveThreats)),
		attribute.Int64("overwatch.threats.tick", int64(snap.Tick)),
	)

	writeJSON(w, snap)
}

func (a *API) handleGetMarkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"markers": a.threats.Snapshot().Markers(),
		"origin":  threatfeed.Origin,
	})
}

func (a *API) handleGetTribunal(w http.ResponseWriter, r *http.Request) {
	snap := a.tribunal.Snapshot()

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int("overwatch.tribunal.messages", len(snap.Messages)),
		attribute.Float64("overwatch.tribunal.consensus", snap.Consensus),
	)

	writeJSON(w, snap)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}
