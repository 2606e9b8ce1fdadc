// Command worker runs one stage transform's consume-transform-publish loop.
// Which stage it runs is selected by WORKER_STAGE so the same binary backs
// every stage's deployment, distinguished only by an env var and a consumer
// group — the same "one binary, many roles" shape the teacher's container
// picked between RUN_SERVER/RUN_WORKER for.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/devpipe/internal/artifactstore/gitstore"
	"github.com/yungbote/devpipe/internal/broker"
	"github.com/yungbote/devpipe/internal/broker/redisbroker"
	"github.com/yungbote/devpipe/internal/generator/httpgen"
	"github.com/yungbote/devpipe/internal/observability"
	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/envutil"
	"github.com/yungbote/devpipe/internal/platform/logger"
	"github.com/yungbote/devpipe/internal/transform/analysis"
	"github.com/yungbote/devpipe/internal/transform/blueprint"
	"github.com/yungbote/devpipe/internal/transform/code"
	"github.com/yungbote/devpipe/internal/transform/planning"
	"github.com/yungbote/devpipe/internal/transform/test"
	"github.com/yungbote/devpipe/internal/workerrt"
)

func buildHandler(stage pipeline.Stage, workerID string, gen *httpgen.Client, store *gitstore.Store) (workerrt.Handler, error) {
	switch stage {
	case pipeline.StageAnalysis:
		return &analysis.Transform{Gen: gen, WorkerID: workerID}, nil
	case pipeline.StagePlanning:
		return &planning.Transform{WorkerID: workerID}, nil
	case pipeline.StageBlueprint:
		return &blueprint.Transform{Gen: gen, WorkerID: workerID}, nil
	case pipeline.StageCode:
		return &code.Transform{Gen: gen, WorkerID: workerID}, nil
	case pipeline.StageTest:
		return &test.Transform{Gen: gen, Store: store, WorkerID: workerID}, nil
	default:
		return nil, fmt.Errorf("worker: unknown WORKER_STAGE %q", stage)
	}
}

func main() {
	log, err := logger.New(envutil.String("LOG_MODE", "prod"))
	if err != nil {
		fmt.Printf("worker: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	stage := pipeline.Stage(envutil.String("WORKER_STAGE", ""))
	if !pipeline.Valid(stage) {
		log.Warn("worker: WORKER_STAGE must be one of analysis/planning/blueprint/code/test", "got", stage)
		os.Exit(1)
	}
	workerID := envutil.String("WORKER_ID", fmt.Sprintf("%s-worker", stage))

	metrics := observability.New()

	var b broker.Broker
	rb, err := redisbroker.New(log, redisbroker.ConfigFromEnv())
	if err != nil {
		log.Warn("worker: failed to connect broker", "error", err)
		os.Exit(1)
	}
	b = rb

	gen := httpgen.New(httpgen.ConfigFromEnv(), log)

	var store *gitstore.Store
	if stage == pipeline.StageTest {
		s, err := gitstore.New(gitstore.ConfigFromEnv(), log)
		if err != nil {
			log.Warn("worker: failed to open artifact store", "error", err)
			os.Exit(1)
		}
		store = s
	}

	handler, err := buildHandler(stage, workerID, gen, store)
	if err != nil {
		log.Warn("worker: build handler failed", "error", err)
		os.Exit(1)
	}

	dedupe := workerrt.NewDedupe(envutil.Int("WORKER_DEDUPE_CAPACITY", 100_000))
	runner := workerrt.NewRunner(b, handler, log, metrics, dedupe, workerrt.Config{
		WorkerID:    workerID,
		MaxAttempts: envutil.Int("MAX_ATTEMPTS", 5),
		Concurrency: envutil.Int("STAGE_CONCURRENCY", 4),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("worker starting", "stage", stage, "worker_id", workerID)
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		log.Warn("worker exited with error", "error", err)
		os.Exit(1)
	}
}
