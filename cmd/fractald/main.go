// Command fractald loads one workflow manifest, starts a single
// execution of it, and ticks the execution to completion — the
// minimal single-binary host for the engine, in the same spirit as
// station/cmd/main.go's service wiring but scoped to the one process
// role this module defines.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/100monkeys/fractal/internal/config"
	"github.com/100monkeys/fractal/internal/obslog"
	"github.com/100monkeys/fractal/internal/telemetry"
	"github.com/100monkeys/fractal/internal/workflow"
	"github.com/100monkeys/fractal/internal/workflow/consensus"
	"github.com/100monkeys/fractal/internal/workflow/engine"
	"github.com/100monkeys/fractal/internal/workflow/eventbus"
	"github.com/100monkeys/fractal/internal/workflow/execution"
	"github.com/100monkeys/fractal/internal/workflow/humaninput"
	"github.com/100monkeys/fractal/internal/workflow/parser"
	"github.com/100monkeys/fractal/internal/workflow/runtime"
	"github.com/100monkeys/fractal/internal/workflow/volume"
)

// engineNotifier breaks the construction cycle between Engine (which
// needs a HumanGate) and Gate (which needs a TimeoutNotifier that is
// the Engine itself): it is built empty, wired into the Gate before
// the Engine exists, and pointed at the Engine once NewEngine returns.
type engineNotifier struct {
	eng *engine.Engine
}

func (n *engineNotifier) TimeoutHumanInput(ctx context.Context, executionID string, defaultResponse *string) {
	if n.eng == nil {
		return
	}
	n.eng.TimeoutHumanInput(ctx, executionID, defaultResponse)
}

func main() {
	manifestPath := flag.String("workflow", "", "path to a workflow manifest YAML file")
	runtimeAddr := flag.String("runtime-addr", "127.0.0.1:7700", "address of the sandboxed agent runtime gRPC service")
	configPath := flag.String("config", "/etc/fractal/config.yaml", "path to the engine config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	obslog.Initialize(*debug)

	if *manifestPath == "" {
		log.Fatal("fractald: -workflow is required")
	}

	cfg, err := config.Load(afero.NewOsFs(), *configPath)
	if err != nil {
		log.Fatalf("fractald: load config: %v", err)
	}
	obslog.Initialize(cfg.DebugLogging || *debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw, err := os.ReadFile(*manifestPath)
	if err != nil {
		log.Fatalf("fractald: read manifest: %v", err)
	}
	wf, warnings, err := parser.ParseWithWarnings(raw)
	if err != nil {
		log.Fatalf("fractald: parse manifest: %v", err)
	}
	for _, w := range warnings.Warnings {
		obslog.Info("manifest warning: %s: %s", w.Code, w.Message)
	}

	if _, err := telemetry.New(); err != nil {
		obslog.Error("telemetry init failed, continuing without it: %v", err)
	}

	bus, err := eventbus.NewBus(ctx, eventbus.Options{NATSURL: cfg.NATSURL})
	if err != nil {
		log.Fatalf("fractald: start event bus: %v", err)
	}
	defer bus.Close()
	publisher := eventbus.EnginePublisher{Bus: bus}

	conn, err := grpc.NewClient(*runtimeAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("fractald: dial runtime: %v", err)
	}
	defer conn.Close()

	rt := runtime.NewGRPCClient(conn)
	svc := execution.NewService(rt, execution.DefaultRetryPolicy())
	consensusEval := consensus.NewEvaluator(svc)

	notifier := &engineNotifier{}
	gate := humaninput.NewGate(notifier)

	volMgr := volume.NewManager()

	eng := engine.NewEngine(svc, svc, consensusEval, gate, publisher, volMgr)
	notifier.eng = eng
	eng.RegisterWorkflow(wf)

	sweeper := volume.NewSweeper(volMgr, func(expired []string) {
		for _, id := range expired {
			obslog.Info("volume %s expired", id)
			evt := eventbus.Event{
				Family:         eventbus.FamilyVolume,
				Kind:           "expired",
				ExecutionID:    id,
				IdempotencyKey: eventbus.StepContext{ExecutionID: id, StateName: "expired"}.IdempotencyKey(),
				Detail:         map[string]any{"volume_id": id},
			}
			if err := bus.Publish(ctx, evt); err != nil {
				obslog.Error("publish volume expired event: %v", err)
			}
		}
	})
	if err := sweeper.Start(cfg.VolumeSweepSpec); err != nil {
		log.Fatalf("fractald: start volume sweeper: %v", err)
	}
	defer sweeper.Stop()

	exec, err := eng.StartWorkflow(ctx, wf.Metadata.Name, map[string]any{})
	if err != nil {
		log.Fatalf("fractald: start workflow: %v", err)
	}
	obslog.Info("execution %s started for workflow %q", exec.ID, wf.Metadata.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			obslog.Info("shutdown signal received, cancelling execution %s", exec.ID)
			_ = eng.Cancel(ctx, exec.ID)
			return
		case <-ticker.C:
			if err := eng.Tick(ctx, exec.ID); err != nil {
				obslog.Error("tick failed: %v", err)
			}
			current, err := eng.GetExecution(exec.ID)
			if err != nil {
				obslog.Error("lost execution %s: %v", exec.ID, err)
				return
			}
			switch current.Status {
			case workflow.StatusCompleted:
				fmt.Printf("execution %s completed\n", exec.ID)
				return
			case workflow.StatusFailed:
				fmt.Printf("execution %s failed: %v\n", exec.ID, current.FailReason)
				return
			case workflow.StatusSuspendedHuman:
				obslog.Debug("execution %s suspended awaiting human input", exec.ID)
			}
		}
	}
}
