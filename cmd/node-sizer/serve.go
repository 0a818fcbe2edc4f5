package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/node-sizer/internal/artifact"
	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/pipeline"
	"github.com/hochfrequenz/node-sizer/internal/retrain"
	"github.com/hochfrequenz/node-sizer/web/api"
)

// SSE event types
const (
	eventModelChanged = "model_changed"
	eventTraining     = "training"
)

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := a.openHistory()
	if store != nil {
		defer store.Close()
	}

	// Listeners are wired before the server exists
	var server atomic.Pointer[api.Server]
	broadcast := func(eventType string, data interface{}) {
		if s := server.Load(); s != nil {
			s.Broadcast(api.SSEEvent{Type: eventType, Data: data})
		}
	}

	if err := os.MkdirAll(filepath.Dir(a.cfg.Model.Path), 0755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}
	watcher, err := artifact.NewWatcher(a.cfg.Model.Path, func(previous, current string) {
		broadcast(eventModelChanged, map[string]string{"previous": previous, "current": current})
	}, a.logger)
	if err != nil {
		return fmt.Errorf("watching model: %w", err)
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	gateOpts := []retrain.Option{
		retrain.WithListener(func(r domain.TrainResult) { broadcast(eventTraining, r) }),
	}
	if store != nil {
		gateOpts = append(gateOpts, retrain.WithRecorder(store))
	}
	gate := a.gate(a.corpus(), gateOpts...)

	opts := []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithListener(func(e pipeline.Event) { broadcast(e.Type, e) }),
	}
	if store != nil {
		opts = append(opts, pipeline.WithLedger(store))
	}
	p := pipeline.New(a.extractor(), a.predictor(watcher), a.tiers, opts...)

	port := servePort
	if port == 0 {
		port = a.cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Web.Host, port)

	serverOpts := []api.Option{
		api.WithVersionSource(watcher),
		api.WithLogger(a.logger),
	}
	if store != nil {
		serverOpts = append(serverOpts, api.WithReporter(store))
	}
	srv := api.NewServer(p, a.tiers, gate, addr, serverOpts...)
	server.Store(srv)

	if expr := a.cfg.Retrain.Schedule; expr != "" {
		sched, err := retrain.NewScheduler(gate, expr, a.logger)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Serving node-sizer API at http://%s\n", addr)
	return srv.Start(ctx)
}

