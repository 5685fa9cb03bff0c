// Command dome runs one of the orchestrator's entry points: demo (a
// synthetic plan/implement run), livefix (the red-to-green workbench demo), or
// plan-implement-verify (a real milestone/issue/implement/verify run).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"

	"github.com/domeai/dome/dispatcher/engine"
	"github.com/domeai/dome/dispatcher/engine/temporalengine"
	"github.com/domeai/dome/eventbus"
	"github.com/domeai/dome/eventbus/pulseclient"
	"github.com/domeai/dome/harness"
	"github.com/domeai/dome/model"
	"github.com/domeai/dome/pipeline"
)

// fanoutFlags are the --pulse-redis-addr flags shared by every subcommand.
// buildFanout returns a nil Fanout (pipeline.RunConfig's default: no
// mirroring) when the address is unset.
type fanoutFlags struct {
	redisAddr *string
}

func addFanoutFlags(fs *flag.FlagSet) fanoutFlags {
	return fanoutFlags{
		redisAddr: fs.String("pulse-redis-addr", "", "redis addr to mirror run events to via Pulse streams; empty disables fanout"),
	}
}

func (f fanoutFlags) buildFanout() (eventbus.Fanout, error) {
	if *f.redisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: *f.redisAddr})
	pulseCl, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	if err != nil {
		return nil, fmt.Errorf("build pulse client for %s: %w", *f.redisAddr, err)
	}
	return eventbus.NewPulseFanout(pulseCl), nil
}

// engineFlags are the --engine/--temporal-* flags shared by every
// subcommand. buildEngine returns nil (pipeline.RunConfig's default,
// inproc) when engineName is "" or "inproc".
type engineFlags struct {
	engineName    *string
	temporalHost  *string
	temporalQueue *string
}

func addEngineFlags(fs *flag.FlagSet) engineFlags {
	return engineFlags{
		engineName:    fs.String("engine", "inproc", "dispatch engine: inproc or temporal"),
		temporalHost:  fs.String("temporal-host-port", "127.0.0.1:7233", "temporal frontend host:port, used when -engine=temporal"),
		temporalQueue: fs.String("temporal-task-queue", "dome-dispatch", "temporal task queue, used when -engine=temporal"),
	}
}

// buildEngine constructs the dispatch engine named by the flags. The
// Temporal-backed engine is bootstrapped with a no-op placeholder worker;
// temporalengine.Engine.RunWave rebinds the activity to the dispatcher's
// real per-run worker on every wave, so the placeholder only ever runs if
// something invokes the engine outside of a Supervisor.Run call.
func (f engineFlags) buildEngine() (engine.Engine, error) {
	switch *f.engineName {
	case "", "inproc":
		return nil, nil
	case "temporal":
		c, err := client.Dial(client.Options{HostPort: *f.temporalHost})
		if err != nil {
			return nil, fmt.Errorf("dial temporal at %s: %w", *f.temporalHost, err)
		}
		placeholder := func(ctx context.Context, task engine.TaskInput) engine.TaskOutcome {
			return engine.TaskOutcome{TaskID: task.TaskID, Err: fmt.Errorf("temporalengine: no wave in flight")}
		}
		eng, err := temporalengine.New(temporalengine.Options{Client: c, TaskQueue: *f.temporalQueue}, placeholder)
		if err != nil {
			return nil, fmt.Errorf("start temporal engine: %w", err)
		}
		return eng, nil
	default:
		return nil, fmt.Errorf("unknown -engine %q (want inproc or temporal)", *f.engineName)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var (
		result pipeline.RunResult
		err    error
	)
	switch os.Args[1] {
	case "demo":
		result, err = runDemoCmd(os.Args[2:])
	case "livefix":
		result, err = runLiveFixCmd(os.Args[2:])
	case "plan-implement-verify":
		result, err = runPlanImplementVerifyCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "dome:", err)
		os.Exit(1)
	}
	fmt.Println("run_id:", result.RunID)
	fmt.Println("gate:", result.Gate.Status)
	fmt.Println("promotion:", result.Promotion.Decision)
	fmt.Println("manifest:", result.ManifestPath)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dome <demo|livefix|plan-implement-verify> [flags]")
}

func runDemoCmd(args []string) (pipeline.RunResult, error) {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	runRoot := fs.String("run-root", "ops/runtime/runs", "run artifact root")
	packetID := fs.String("packet-id", "demo-0001", "pre-contract packet id")
	baseRef := fs.String("base-ref", "main", "base ref")
	preContractPath := fs.String("pre-contract", "", "optional path to a pre_contract.json document")
	engFlags := addEngineFlags(fs)
	fanFlags := addFanoutFlags(fs)
	fs.Parse(args)

	pc := model.PreContract{PacketID: *packetID, BaseRef: *baseRef, Budgets: model.Budgets{IterationBudget: 3}}
	if *preContractPath != "" {
		data, err := os.ReadFile(*preContractPath)
		if err != nil {
			return pipeline.RunResult{}, fmt.Errorf("read pre-contract: %w", err)
		}
		if err := json.Unmarshal(data, &pc); err != nil {
			return pipeline.RunResult{}, fmt.Errorf("decode pre-contract: %w", err)
		}
	}
	eng, err := engFlags.buildEngine()
	if err != nil {
		return pipeline.RunResult{}, err
	}
	fanout, err := fanFlags.buildFanout()
	if err != nil {
		return pipeline.RunResult{}, err
	}

	worker := func(ctx context.Context, task model.Task, attempt int) harness.WorkerAttempt {
		return harness.WorkerAttempt{Status: model.AttemptPass, Notes: "synthetic demo pass", DurationMS: 5}
	}
	return pipeline.RunDemo(context.Background(), pc, worker, pipeline.RunConfig{RunRoot: *runRoot, Engine: eng, Fanout: fanout})
}

func runLiveFixCmd(args []string) (pipeline.RunResult, error) {
	fs := flag.NewFlagSet("livefix", flag.ExitOnError)
	runRoot := fs.String("run-root", "ops/runtime/runs", "run artifact root")
	runID := fs.String("run-id", "", "run id; defaults to pkt-dome-livefix-0001")
	maxRetries := fs.Int("max-retries", 1, "implement task retry budget")
	engFlags := addEngineFlags(fs)
	fanFlags := addFanoutFlags(fs)
	fs.Parse(args)

	eng, err := engFlags.buildEngine()
	if err != nil {
		return pipeline.RunResult{}, err
	}
	fanout, err := fanFlags.buildFanout()
	if err != nil {
		return pipeline.RunResult{}, err
	}
	cfg := pipeline.LiveFixConfig{
		RunConfig: pipeline.RunConfig{RunRoot: *runRoot, MaxRetries: *maxRetries, Engine: eng, Fanout: fanout},
		RunID:     *runID,
	}
	return pipeline.RunLiveFix(context.Background(), cfg)
}

func runPlanImplementVerifyCmd(args []string) (pipeline.RunResult, error) {
	fs := flag.NewFlagSet("plan-implement-verify", flag.ExitOnError)
	runRoot := fs.String("run-root", "ops/runtime/runs", "run artifact root")
	runID := fs.String("run-id", "", "run id (required)")
	repo := fs.String("repo", "", "owner/repo to track the work against")
	milestoneTitle := fs.String("milestone", "", "milestone title")
	issueTitle := fs.String("issue-title", "", "issue title")
	issueBody := fs.String("issue-body", "", "issue body")
	verifyCmd := fs.String("verify-cmd", "", "shell command the verify task and gate both run")
	verifyDir := fs.String("verify-dir", "", "working directory for the verify command")
	implementDir := fs.String("implement-dir", "", "working directory for implement commands")
	dryRun := fs.Bool("dry-run", false, "skip real GitHub calls and fabricate milestone/issue records")
	engFlags := addEngineFlags(fs)
	fanFlags := addFanoutFlags(fs)
	fs.Parse(args)

	eng, err := engFlags.buildEngine()
	if err != nil {
		return pipeline.RunResult{}, err
	}
	fanout, err := fanFlags.buildFanout()
	if err != nil {
		return pipeline.RunResult{}, err
	}
	cfg := pipeline.PlanImplementVerifyConfig{
		RunConfig: pipeline.RunConfig{RunRoot: *runRoot, Engine: eng, Fanout: fanout},
		RunID:     *runID,
		Plan: pipeline.PlanRequest{
			Repo:           *repo,
			MilestoneTitle: *milestoneTitle,
			IssueTitle:     *issueTitle,
			IssueBody:      *issueBody,
			DryRun:         *dryRun,
		},
		ImplementCmds: fs.Args(),
		ImplementDir:  *implementDir,
		VerifyCmd:     *verifyCmd,
		VerifyDir:     *verifyDir,
	}
	return pipeline.RunPlanImplementVerify(context.Background(), cfg)
}
