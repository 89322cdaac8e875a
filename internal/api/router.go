package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Router wires both HTTP surfaces plus the operational endpoints. The public
// surface carries a request timeout; the private one does not, because
// recording uploads may stream for longer than any sane fixed budget.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/bigbluebutton/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.HandleFunc("/", a.action("index", a.index))
		r.HandleFunc("/create", a.action("create", a.create))
		r.Get("/join", a.action("join", a.join))
		r.HandleFunc("/end", a.action("end", a.end))
		r.HandleFunc("/isMeetingRunning", a.action("isMeetingRunning", a.isMeetingRunning))
		r.HandleFunc("/getMeetings", a.action("getMeetings", a.getMeetings))
		r.HandleFunc("/getMeetingInfo", a.action("getMeetingInfo", a.getMeetingInfo))
		r.Get("/sendChatMessage", a.action("sendChatMessage", a.sendChatMessage))
		r.Post("/insertDocument", a.action("insertDocument", a.insertDocument))
		r.Get("/getRecordings", a.action("getRecordings", a.getRecordings))
		r.Get("/publishRecordings", a.action("publishRecordings", a.publishRecordings))
		r.Get("/deleteRecordings", a.action("deleteRecordings", a.deleteRecordings))
		r.HandleFunc("/updateRecordings", a.action("updateRecordings", a.updateRecordings))
		r.HandleFunc("/getRecordingTextTracks", a.action("getRecordingTextTracks", a.notImplemented))
		r.Post("/putRecordingTextTrack", a.action("putRecordingTextTrack", a.notImplemented))
		r.Get("/getJoinUrl", a.action("getJoinUrl", a.notImplemented))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/callback/{uuid}/end/{sig}", a.handleCallbackEnd)
		r.Post("/callback/{uuid}/end/{sig}", a.handleCallbackEnd)
		r.Post("/callback/{uuid}/{type}", a.handleCallbackProxy)
		r.Post("/recording/upload", a.handleUpload)
	})

	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Healthcheck(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

// requestLogger logs one line per finished request. Probe endpoints log at
// debug so scrape intervals do not drown the log.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := zerolog.InfoLevel
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			level = zerolog.DebugLevel
		}
		a.log.WithLevel(level).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}
