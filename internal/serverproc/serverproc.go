// Package serverproc wires the combined gateway+orchestrator+dashboard
// process: the one HTTP-facing role in the deployment, mirroring the
// teacher's own RUN_SERVER/RUN_WORKER toggle on a single binary except that
// here the server role and the worker role are genuinely separate binaries
// (cmd/worker runs stage transforms, this runs ingress and state tracking).
//
// The gateway's Status/Requests/Cancel handlers read the Orchestrator's
// in-process state directly — there is no between-process RPC for pipeline
// state in this design — so the HTTP ingress and the orchestrator state
// machine must share a process. cmd/gateway and cmd/orchestrator both call
// Run so either deployment name resolves to the same server.
package serverproc

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/yungbote/devpipe/internal/broker/redisbroker"
	"github.com/yungbote/devpipe/internal/dashboardws"
	"github.com/yungbote/devpipe/internal/data/db"
	"github.com/yungbote/devpipe/internal/gateway"
	devpipehttp "github.com/yungbote/devpipe/internal/http"
	"github.com/yungbote/devpipe/internal/observability"
	"github.com/yungbote/devpipe/internal/orchestrator"
	"github.com/yungbote/devpipe/internal/platform/envutil"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

// Run builds and serves the combined process until ctx is cancelled.
func Run(ctx context.Context, log *logger.Logger) error {
	metrics := observability.New()

	rb, err := redisbroker.New(log, redisbroker.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("serverproc: connect broker: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return fmt.Errorf("serverproc: connect postgres: %w", err)
	}
	if err := orchestrator.AutoMigrate(pg.DB()); err != nil {
		return fmt.Errorf("serverproc: migrate snapshot table: %w", err)
	}
	store := orchestrator.NewGormSnapshotStore(pg.DB())

	orc := orchestrator.New(log, metrics, rb, store, orchestrator.Config{
		StallCheckInterval: envutil.Duration("ORCHESTRATOR_STALL_CHECK_INTERVAL", 30*time.Second),
		StallThreshold:     envutil.Duration("ORCHESTRATOR_STALL_THRESHOLD", 10*time.Minute),
	})

	hub := dashboardws.NewHub(log)
	gw := gateway.New(log, metrics, rb, orc)

	srv := devpipehttp.NewServer(devpipehttp.RouterConfig{
		Gateway: gw,
		Hub:     hub,
		Orc:     orc,
		Metrics: metrics,
		Log:     log,
	})

	go hub.Run(orc.Events)
	go func() {
		if err := orc.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("serverproc: orchestrator Run exited with error", "error", err)
		}
	}()

	addr := ":" + envutil.String("PORT", "8080")
	log.Info("gateway/orchestrator listening", "addr", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(addr) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// MustRun is the common main() body for both cmd/gateway and
// cmd/orchestrator.
func MustRun() {
	log, err := logger.New(envutil.String("LOG_MODE", "prod"))
	if err != nil {
		fmt.Printf("serverproc: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	if err := Run(ctx, log); err != nil {
		log.Warn("serverproc: exited with error", "error", err)
		os.Exit(1)
	}
}
