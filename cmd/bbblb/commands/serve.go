package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bbblb/bbblb/internal/api"
	"github.com/bbblb/bbblb/internal/importer"
	"github.com/bbblb/bbblb/internal/logging"
	"github.com/bbblb/bbblb/internal/poller"
	"github.com/bbblb/bbblb/internal/telemetry"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/registry"
	"github.com/bbblb/bbblb/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the balancer",
	Long: `Start the balancer and keep it running until SIGINT or SIGTERM.

This brings up the store, the recording importer (when RECORDING_PATH is
configured), the backend poller and the HTTP surface: the BBB API under
/bigbluebutton/api, the private API under /api/v1, plus /healthz and
/metrics, all on the LISTEN address. Services stop in reverse order on
shutdown so in-flight work can drain.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Configure(logging.Config{Debug: cfg.Debug})
	log := logging.WithComponent("serve")

	// cancel carries the first fatal error; a plain signal shutdown leaves
	// the cause at context.Canceled.
	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "bbblb",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		if err := telemetryShutdown(flushCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Profiling.Enabled,
		ServiceName:    "bbblb",
		ServiceVersion: Version,
		Endpoint:       cfg.Profiling.Endpoint,
		ProfileTypes:   cfg.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			log.Warn().Err(err).Msg("profiling shutdown failed")
		}
	}()

	dbCfg, err := store.ParseURI(cfg.DBURI)
	if err != nil {
		return err
	}
	st, err := store.New(dbCfg)
	if err != nil {
		return err
	}

	// Follow the config file at runtime; only the log level is safe to flip
	// on a running process.
	if err := config.Watch(flagConfig, func(next *config.Config) {
		logging.SetDebug(next.Debug || flagDebug)
	}); err != nil {
		log.Warn().Err(err).Msg("config watch unavailable")
	}

	httpClient := &http.Client{}

	reg := registry.New()
	reg.Add("store", registry.Funcs{
		StopFunc: func(context.Context) error { return st.Close() },
	})

	// The importer only runs with recording storage configured. The HTTP
	// surface takes a nil importer in that case and rejects uploads.
	var apiImporter api.Importer
	if cfg.RecordingPath != "" {
		imp := importer.New(st, cfg, httpClient)
		reg.Add("importer", imp)
		apiImporter = imp
	} else {
		log.Info().Msg("no recording storage configured, recording import disabled")
	}

	reg.Add("poller", poller.New(st, cfg, httpClient))

	surface := api.New(st, cfg, apiImporter, httpClient)
	reg.Add("api", surface)
	reg.Add("http", newWebServer(cfg.Listen, surface.Router(), cancel))

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Str("domain", cfg.Domain).
		Msg("starting balancer")

	if err := reg.Run(ctx); err != nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	log.Info().Msg("balancer stopped")
	return nil
}

// webServer adapts an http.Server to the service registry. Bind errors
// surface at Start so serve fails fast on an occupied port; a later Serve
// failure reports through fail and takes the whole process down instead of
// leaving it running without a listener.
type webServer struct {
	srv  *http.Server
	fail func(error)
	log  zerolog.Logger
}

func newWebServer(addr string, handler http.Handler, fail func(error)) *webServer {
	return &webServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: handler,
			// No read/write timeouts: recording uploads and proxied join
			// responses stream for arbitrarily long. The router applies
			// per-route timeouts where they are safe.
			ReadHeaderTimeout: 10 * time.Second,
		},
		fail: fail,
		log:  logging.WithComponent("http"),
	}
}

func (w *webServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", w.srv.Addr, err)
	}
	go func() {
		if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.fail(err)
		}
	}()
	w.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	return nil
}

func (w *webServer) Stop(ctx context.Context) error {
	return w.srv.Shutdown(ctx)
}
