// Command kiro-gateway runs the standalone gateway process: it loads
// configuration, starts the background token refresher, and serves the
// management HTTP surface (accounts, force-refresh, device-code login)
// until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencode-ai/kiro-gateway/internal/config"
	"github.com/opencode-ai/kiro-gateway/internal/logging"
	"github.com/opencode-ai/kiro-gateway/internal/management"
	"github.com/opencode-ai/kiro-gateway/internal/plugin"
)

func main() {
	addr := flag.String("addr", ":8787", "address the management HTTP surface listens on")
	projectDir := flag.String("project-dir", "", "project directory whose .opencode/kiro.json overrides the global config")
	logFile := flag.String("log-file", "", "optional path to a rotating log file, in addition to stderr")
	watchConfig := flag.Bool("watch-config", true, "hot-reload configuration files while running")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiro-gateway: load config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(logging.Options{Debug: cfg.Debug, FilePath: *logFile})

	opts := []plugin.Option{plugin.WithProjectDir(*projectDir)}
	if *watchConfig {
		opts = append(opts, plugin.WithConfigWatch())
	}
	gw, err := plugin.New(ctx, opts...)
	if err != nil {
		logging.ForComponent("main").Fatalf("build gateway: %v", err)
	}
	defer gw.Close()

	srv := management.NewServer(gw)
	httpServer := &http.Server{Addr: *addr, Handler: srv.Handler()}

	go func() {
		logging.ForComponent("main").Infof("management surface listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.ForComponent("main").Errorf("management surface: %v", err)
		}
	}()

	<-ctx.Done()
	logging.ForComponent("main").Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.ForComponent("main").Warnf("graceful shutdown: %v", err)
	}
}
