package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/vitals.report/internal/api"
	"github.com/banshee-data/vitals.report/internal/config"
	"github.com/banshee-data/vitals.report/internal/datalog"
	"github.com/banshee-data/vitals.report/internal/db"
	"github.com/banshee-data/vitals.report/internal/fsutil"
	"github.com/banshee-data/vitals.report/internal/healthcheck"
	"github.com/banshee-data/vitals.report/internal/ingest"
	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/registry"
	"github.com/banshee-data/vitals.report/internal/retention"
	"github.com/banshee-data/vitals.report/internal/serialmux"
	"github.com/banshee-data/vitals.report/internal/telemetry"
	"github.com/banshee-data/vitals.report/internal/timeutil"
	"github.com/banshee-data/vitals.report/internal/version"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Fatalf("vitals: %v", err)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if opts.help {
		printHelp(stdout, opts.flags)
		return nil
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, version.Get())
		return nil
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, nil)
}

// addrs are the bound listener addresses, reported once both are up.
type addrs struct {
	UDP  net.Addr
	HTTP net.Addr
}

// serve runs every component until ctx is cancelled or the UDP listener
// fails, then shuts down in order: transports first, then the HTTP server,
// then the persistence queues. ready, if non-nil, receives the bound
// addresses once ingestion and HTTP are both accepting traffic.
func serve(parent context.Context, cfg *config.Config, ready chan<- addrs) error {
	recorder := monitoring.NewRecorder(cfg.GetDebugLogLines(), log.Printf)
	defer monitoring.Redirect(recorder.Logf)()
	monitoring.Logf("%s starting", version.Get())

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	reg := registry.New()
	store := retention.NewStore(retention.Config{
		HistoryCapacity:       cfg.GetHistoryCapacity(),
		HighFrequencyCapacity: cfg.GetHighFrequencyCapacity(),
		DefaultHistoryLimit:   cfg.GetDefaultHistoryLimit(),
	})
	stats := ingest.NewPacketStats()
	clock := timeutil.RealClock{}
	fsys := fsutil.OSFileSystem{}
	onPersistError := func(error) { stats.AddPersistError() }

	logQueue := datalog.NewAsyncWriter(datalog.NewWriter(datalog.WriterConfig{
		Dir:       cfg.GetLogDir(),
		FS:        fsys,
		LocalTime: cfg.GetLogUseLocalTime(),
	}), cfg.GetLogQueueSize(), onPersistError)
	// Closed after the transports have stopped so every accepted reading
	// reaches the file.
	defer logQueue.Close()
	sinks := []ingest.Sink{logQueue}

	var (
		database *db.DB
		archive  api.Archive
	)
	if path := cfg.GetDBPath(); path != "" {
		var err error
		database, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("open database %s: %w", path, err)
		}
		defer database.Close()
		restoreDeviceStatus(ctx, database, reg)

		dbQueue := datalog.NewAsyncWriter(database, cfg.GetLogQueueSize(), onPersistError)
		defer dbQueue.Close()
		sinks = append(sinks, dbQueue)
		archive = database
	}

	handler := ingest.NewHandler(ingest.HandlerConfig{
		Registry:   reg,
		Store:      store,
		Sinks:      sinks,
		Stats:      stats,
		Clock:      clock,
		LogPackets: cfg.GetLogPackets(),
	})

	var serial serialmux.SerialMuxInterface = serialmux.NewDisabledSerialMux()
	if port := cfg.GetSerialPort(); port != "" {
		m, err := serialmux.NewRealSerialMux(port, cfg.GetSerialOptions())
		if err != nil {
			return err
		}
		serial = m
		monitoring.Logf("[serial] ingesting from %s", port)
	}
	defer serial.Close()

	listener := ingest.NewUDPListener(ingest.UDPListenerConfig{
		Address:     cfg.GetUDPListen(),
		RcvBuf:      cfg.GetUDPRcvBuf(),
		LogInterval: cfg.GetStatsInterval(),
		Handler:     handler,
		Stats:       stats,
	})

	var (
		wg        sync.WaitGroup
		listenErr error
		httpErr   error
	)

	// A listener failure is fatal: cancel everything and report it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			listenErr = err
			monitoring.Logf("[ingest] listener stopped: %v", err)
			cancel()
		}
	}()

	if cfg.GetSerialPort() != "" {
		origin := telemetry.Origin{Address: "serial:" + cfg.GetSerialPort()}
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := serial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("[serial] monitor stopped: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			id, lines := serial.Subscribe()
			defer serial.Unsubscribe(id)
			ingest.RunLines(ctx, lines, handler, origin)
		}()
	}

	if addr := cfg.GetHealthListen(); addr != "" {
		health := healthcheck.NewServer()
		wg.Add(2)
		go func() {
			defer wg.Done()
			select {
			case <-listener.Ready():
				health.SetServing(true)
			case <-ctx.Done():
			}
		}()
		go func() {
			defer wg.Done()
			if err := health.ListenAndServe(ctx, addr); err != nil {
				monitoring.Logf("[health] %v", err)
			}
		}()
	}

	if database != nil {
		flusher := db.NewStatusFlusher(reg, database, cfg.GetStatusFlushInterval())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := flusher.Run(ctx); err != nil {
				monitoring.Logf("[db] final status flush failed: %v", err)
			}
		}()
	}

	apiServer := api.NewServer(api.Config{
		Store:    store,
		Registry: reg,
		Stats:    stats,
		LogQueue: logQueue,
		Archive:  archive,
		Logs:     recorder,
		LogDir:   cfg.GetLogDir(),
		FS:       fsys,
		Clock:    clock,
	})
	mux := apiServer.ServeMux()
	apiServer.AttachAdminRoutes(mux)
	serial.AttachAdminRoutes(mux)
	if database != nil {
		database.AttachAdminRoutes(mux)
	}

	httpReady := make(chan net.Addr, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runHTTP(ctx, cfg.GetHTTPListen(), api.LoggingMiddleware(api.CORSMiddleware(mux)), httpReady); err != nil {
			httpErr = err
			monitoring.Logf("[http] %v", err)
			cancel()
		}
	}()

	if ready != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var a addrs
			select {
			case <-listener.Ready():
				a.UDP = listener.LocalAddr()
			case <-ctx.Done():
				return
			}
			select {
			case a.HTTP = <-httpReady:
			case <-ctx.Done():
				return
			}
			ready <- a
		}()
	}

	wg.Wait()
	monitoring.Logf("graceful shutdown complete")
	return errors.Join(listenErr, httpErr)
}

// runHTTP serves h on addr until ctx is done, then shuts down with a
// bounded grace period.
func runHTTP(ctx context.Context, addr string, h http.Handler, ready chan<- net.Addr) error {
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	monitoring.Logf("[http] listening on %s", ln.Addr())
	ready <- ln.Addr()

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	monitoring.Logf("[http] shutting down HTTP server...")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[http] shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Logf("[http] force close error: %v", err)
		}
	}
	return nil
}

// restoreDeviceStatus seeds the registry with the statuses saved by the
// previous run.
func restoreDeviceStatus(ctx context.Context, database *db.DB, reg *registry.Registry) {
	saved, err := database.DeviceStatuses(ctx)
	if err != nil {
		monitoring.Logf("[db] could not restore device status: %v", err)
		return
	}
	for id, s := range saved {
		reg.RecordSeen(id, s.RemoteAddress, s.RemotePort, s.PacketNumber, s.LastSeen)
	}
	if len(saved) > 0 {
		monitoring.Logf("[db] restored status for %d devices", len(saved))
	}
}
