// Package fieldsync exposes the synchronization engine over HTTP: session
// control, the offline queue, conflict review, device registration, metrics
// and a live event stream.
package fieldsync

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/outreach-health/fieldsync/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Router builds the HTTP routing table. Split from RunServer so tests can
// drive it through httptest.
func Router(h *SyncHandler, listener pubsub.Listener) *mux.Router {
	if h.hub == nil {
		h.hub = newEventHub()
	}
	if listener != nil {
		sub := pubsub.NewSyncSub(listener, h.hub)
		go func() {
			if err := sub.Listen(); err != nil {
				logger.Error().Err(err).Msg("event stream subscription ended")
			}
		}()
	}

	r := mux.NewRouter()
	r.Handle("/sync/start", allowCORS(http.HandlerFunc(h.startSession))).Methods("POST", "OPTIONS")
	r.Handle("/sync/status/{sessionID}", allowCORS(http.HandlerFunc(h.getSession))).Methods("GET")
	r.Handle("/sync/sessions", allowCORS(http.HandlerFunc(h.listSessions))).Methods("GET")
	r.Handle("/sync/sessions/{sessionID}", allowCORS(http.HandlerFunc(h.cancelSession))).Methods("DELETE", "OPTIONS")
	r.Handle("/sync/emergency", allowCORS(http.HandlerFunc(h.triggerEmergency))).Methods("POST", "OPTIONS")
	r.Handle("/sync/conflicts", allowCORS(http.HandlerFunc(h.listConflicts))).Methods("GET")
	r.Handle("/sync/conflicts/{conflictID}", allowCORS(http.HandlerFunc(h.getConflict))).Methods("GET")
	r.Handle("/sync/conflicts/{conflictID}/resolve", allowCORS(http.HandlerFunc(h.resolveConflict))).Methods("POST", "OPTIONS")
	r.Handle("/sync/devices/{deviceID}", allowCORS(http.HandlerFunc(h.getDevice))).Methods("GET")
	r.Handle("/sync/devices/{deviceID}", allowCORS(http.HandlerFunc(h.putDevice))).Methods("PUT", "OPTIONS")
	r.Handle("/sync/queue", allowCORS(http.HandlerFunc(h.enqueueItem))).Methods("POST", "OPTIONS")
	r.Handle("/sync/queue", allowCORS(http.HandlerFunc(h.listQueue))).Methods("GET")
	r.Handle("/sync/metrics", allowCORS(http.HandlerFunc(h.getMetrics))).Methods("GET")
	r.Handle("/sync/network", allowCORS(http.HandlerFunc(h.getNetwork))).Methods("GET")
	r.Handle("/sync/health", allowCORS(http.HandlerFunc(h.getHealth))).Methods("GET")
	r.HandleFunc("/sync/events", h.hub.serve)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// RunServer is the main entry point to the server. Blocks forever.
func RunServer(h *SyncHandler, listener pubsub.Listener, bindAddr string) {
	r := Router(h, listener)

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			func(next http.Handler) http.Handler {
				return otelhttp.NewHandler(next, "fieldsync")
			},
		},
		final: r,
	}

	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
