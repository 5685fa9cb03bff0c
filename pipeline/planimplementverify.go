package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/domeai/dome/harness"
	"github.com/domeai/dome/model"
)

// Milestone is a GitHub milestone, either resolved from an existing one or
// freshly created.
type Milestone struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Created bool   `json:"created"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

// Issue is a GitHub issue created against a Milestone.
type Issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

// Collaborator resolves the plan task's tracked work item. GHCollaborator
// is the production implementation; tests supply a fake.
type Collaborator interface {
	EnsureMilestone(ctx context.Context, repo, title, description, dueOn string, dryRun bool) (Milestone, error)
	CreateIssue(ctx context.Context, repo, title, body string, milestoneNumber int, labels []string, dryRun bool) (Issue, error)
}

// GHCollaborator shells out to the gh CLI, the same tool the original
// orchestrator used — no GitHub SDK dependency is grounded anywhere in the
// example pack, so the idiomatic choice here is the subprocess, not a new
// import.
type GHCollaborator struct{}

func (GHCollaborator) EnsureMilestone(ctx context.Context, repo, title, description, dueOn string, dryRun bool) (Milestone, error) {
	if dryRun {
		return Milestone{Number: 0, Title: title, HTMLURL: fmt.Sprintf("https://github.com/%s/milestone/dry-run", repo), State: "open", DryRun: true}, nil
	}

	var items []map[string]any
	if err := ghAPIJSON(ctx, "GET", fmt.Sprintf("repos/%s/milestones?state=all&per_page=100", repo), nil, &items); err != nil {
		return Milestone{}, err
	}
	for _, item := range items {
		if fmt.Sprint(item["title"]) == title {
			return milestoneFromAPI(item), nil
		}
	}

	payload := map[string]any{"title": title}
	if description != "" {
		payload["description"] = description
	}
	if dueOn != "" {
		payload["due_on"] = dueOn
	}
	var created map[string]any
	if err := ghAPIJSON(ctx, "POST", fmt.Sprintf("repos/%s/milestones", repo), payload, &created); err != nil {
		return Milestone{}, err
	}
	m := milestoneFromAPI(created)
	m.Created = true
	return m, nil
}

func milestoneFromAPI(item map[string]any) Milestone {
	return Milestone{
		Number:  intField(item["number"]),
		Title:   fmt.Sprint(item["title"]),
		HTMLURL: fmt.Sprint(item["html_url"]),
		State:   stringFieldOr(item["state"], "open"),
	}
}

func (GHCollaborator) CreateIssue(ctx context.Context, repo, title, body string, milestoneNumber int, labels []string, dryRun bool) (Issue, error) {
	if dryRun {
		return Issue{Number: 0, Title: title, HTMLURL: fmt.Sprintf("https://github.com/%s/issues/dry-run", repo), State: "open", DryRun: true}, nil
	}

	payload := map[string]any{"title": title, "body": body, "milestone": milestoneNumber}
	if len(labels) > 0 {
		payload["labels"] = labels
	}
	var created map[string]any
	if err := ghAPIJSON(ctx, "POST", fmt.Sprintf("repos/%s/issues", repo), payload, &created); err != nil {
		return Issue{}, err
	}
	return Issue{
		Number:  intField(created["number"]),
		Title:   fmt.Sprint(created["title"]),
		HTMLURL: fmt.Sprint(created["html_url"]),
		State:   stringFieldOr(created["state"], "open"),
	}, nil
}

func ghAPIJSON(ctx context.Context, method, endpoint string, payload map[string]any, out any) error {
	args := []string{"api", "-X", strings.ToUpper(method), endpoint}
	var stdin *bytes.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("pipeline: marshal gh api payload: %w", err)
		}
		args = append(args, "--input", "-")
		stdin = bytes.NewReader(body)
	}
	cmd := exec.CommandContext(ctx, "gh", args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	stdout, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("gh api failed (%s): %w", endpoint, err)
	}
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("pipeline: decode gh api response for %s: %w", endpoint, err)
	}
	return nil
}

func intField(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func stringFieldOr(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	return fmt.Sprint(v)
}

// PlanRequest is the plan task's GitHub-tracking intent: what milestone and
// issue to resolve or create before any implement command runs.
type PlanRequest struct {
	Repo                string
	MilestoneTitle      string
	MilestoneDescription string
	MilestoneDueOn      string
	IssueTitle          string
	IssueBody           string
	IssueLabels         []string
	DryRun              bool
}

// PlanOutput is the persisted record of what the plan task resolved,
// written to plan/plan.output.json for later inspection.
type PlanOutput struct {
	Repo        string    `json:"repo"`
	Milestone   Milestone `json:"milestone"`
	Issue       Issue     `json:"issue"`
	CreatedAtUTC string   `json:"created_at_utc"`
}

// PlanImplementVerifyConfig configures RunPlanImplementVerify: a real
// milestone/issue to track the work, real implement commands to run, and a
// real verify command to gate on.
type PlanImplementVerifyConfig struct {
	RunConfig
	RunID          string
	Plan           PlanRequest
	ImplementCmds  []string
	ImplementDir   string
	VerifyCmd      string
	VerifyDir      string
	Collaborator   Collaborator
	Now            func() time.Time
}

// RunPlanImplementVerify drives the non-demo plan/implement/verify loop: the
// plan task resolves (or creates) a GitHub milestone and issue, the
// implement task runs a sequence of real shell commands logging each to
// disk, and the verify task runs the configured verify command. Unlike
// RunDemo and RunLiveFix, every task here executes real, operator-supplied
// commands against the working tree.
func RunPlanImplementVerify(ctx context.Context, cfg PlanImplementVerifyConfig) (RunResult, error) {
	runID := cfg.RunID
	if runID == "" {
		return RunResult{}, fmt.Errorf("pipeline: run_id is required for plan/implement/verify runs")
	}
	collaborator := cfg.Collaborator
	if collaborator == nil {
		collaborator = GHCollaborator{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	runCfg := cfg.RunConfig.withDefaults()
	runDir := filepath.Join(runCfg.RunRoot, runID)
	planDir := filepath.Join(runDir, "plan")
	implDir := filepath.Join(runDir, "implement")
	verifyLogDir := filepath.Join(runDir, "verify")
	for _, dir := range []string{planDir, implDir, verifyLogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return RunResult{}, fmt.Errorf("pipeline: create %s: %w", dir, err)
		}
	}

	wq := planImplementVerifyWorkQueue(runID, pickMaxWorkers(runCfg.WorkerPool))

	var planOutputPath string
	worker := func(ctx context.Context, task model.Task, attempt int) harness.WorkerAttempt {
		switch {
		case hasSuffix(task.TaskID, "-plan"):
			path, outcome := runPlanTask(ctx, collaborator, cfg.Plan, planDir, now)
			planOutputPath = path
			return outcome
		case hasSuffix(task.TaskID, "-implement"):
			return runImplementTask(ctx, cfg.ImplementCmds, cfg.ImplementDir, implDir)
		case hasSuffix(task.TaskID, "-verify"):
			return runVerifyTask(ctx, cfg.VerifyCmd, cfg.VerifyDir, verifyLogDir)
		default:
			return harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "EXEC.NONZERO_EXIT", Notes: "unknown task id"}
		}
	}

	verifyCfg := runCfg
	if cfg.VerifyCmd != "" {
		verifyCfg.VerifyArgv = []string{"bash", "-lc", cfg.VerifyCmd}
		verifyCfg.VerifyDir = cfg.VerifyDir
	}

	result, err := execute(ctx, wq, worker, verifyCfg)
	if err != nil {
		return RunResult{}, err
	}

	var planOutput PlanOutput
	if planOutputPath != "" {
		if data, readErr := os.ReadFile(planOutputPath); readErr == nil {
			_ = json.Unmarshal(data, &planOutput)
		}
	}

	workQueueHash, err := sha256Path(result.WorkQueuePath)
	if err != nil {
		return RunResult{}, err
	}
	manifest := RunManifest{
		RunID: runID,
		Inputs: InputHashes{
			WorkQueueSHA256: workQueueHash,
		},
		Commands: manifestCommands(cfg.ImplementCmds, cfg.VerifyCmd),
		Artifacts: map[string]string{
			"work_queue_path":       result.WorkQueuePath,
			"summary_path":          result.SummaryPath,
			"gate_decision_path":    result.GateDecisionPath,
			"promotion_ledger_path": result.PromotionLedgerPath,
			"control_ledger_path":   result.ControlLedgerPath,
			"state_space_path":      result.StateSpacePath,
			"plan_output_path":      planOutputPath,
		},
	}
	manifestPath, err := buildAndWriteManifest(result.RunDir, manifest)
	if err != nil {
		return RunResult{}, err
	}
	result.ManifestPath = manifestPath
	return result, nil
}

func manifestCommands(implementCmds []string, verifyCmd string) []string {
	commands := make([]string, 0, len(implementCmds)+1)
	commands = append(commands, implementCmds...)
	if verifyCmd != "" {
		commands = append(commands, verifyCmd)
	}
	return commands
}

func planImplementVerifyWorkQueue(runID string, maxWorkers int) model.WorkQueue {
	planID := runID + "-plan"
	implementID := runID + "-implement"
	verifyID := runID + "-verify"
	return model.WorkQueue{
		ArtifactKind: model.ArtifactKindV02,
		Version:      "0.2",
		RunID:        runID,
		BaseRef:      "main",
		MaxWorkers:   maxWorkers,
		Tasks: []model.Task{
			{TaskID: planID, Goal: "Create/resolve GitHub milestone and issue", Status: model.TaskQueued, Dependencies: []string{}, WorkerModel: "planner.live"},
			{TaskID: implementID, Goal: "Execute real implement commands", Status: model.TaskQueued, Dependencies: []string{planID}, WorkerModel: "implementer.live"},
			{TaskID: verifyID, Goal: "Run verification command", Status: model.TaskQueued, Dependencies: []string{implementID}, WorkerModel: "verifier.live"},
		},
	}
}

func runPlanTask(ctx context.Context, collaborator Collaborator, req PlanRequest, planDir string, now func() time.Time) (string, harness.WorkerAttempt) {
	milestone, err := collaborator.EnsureMilestone(ctx, req.Repo, req.MilestoneTitle, req.MilestoneDescription, req.MilestoneDueOn, req.DryRun)
	if err != nil {
		return "", harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "EXEC.NONZERO_EXIT", Notes: err.Error()}
	}
	issue, err := collaborator.CreateIssue(ctx, req.Repo, req.IssueTitle, req.IssueBody, milestone.Number, req.IssueLabels, req.DryRun)
	if err != nil {
		return "", harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "EXEC.NONZERO_EXIT", Notes: err.Error()}
	}

	output := PlanOutput{
		Repo:         req.Repo,
		Milestone:    milestone,
		Issue:        issue,
		CreatedAtUTC: now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	path := filepath.Join(planDir, "plan.output.json")
	if err := writeJSON(path, output); err != nil {
		return "", harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "EXEC.NONZERO_EXIT", Notes: err.Error()}
	}
	return path, harness.WorkerAttempt{
		Status: model.AttemptPass,
		Notes:  fmt.Sprintf("plan recorded issue=%s milestone=%s", issue.HTMLURL, milestone.HTMLURL),
	}
}

func runImplementTask(ctx context.Context, cmds []string, cwd, implDir string) harness.WorkerAttempt {
	if len(cmds) == 0 {
		return harness.WorkerAttempt{Status: model.AttemptPass, Notes: "no implement commands provided (no-op)"}
	}
	type commandLog struct {
		Index   int    `json:"index"`
		Command string `json:"command"`
		RC      int    `json:"rc"`
		LogPath string `json:"log_path"`
	}
	var logs []commandLog
	for i, command := range cmds {
		rc, out := runShell(ctx, command, cwd)
		logPath := filepath.Join(implDir, fmt.Sprintf("command_%02d.log", i+1))
		_ = os.WriteFile(logPath, []byte(fmt.Sprintf("$ %s\n\n%s\n", command, out)), 0o644)
		logs = append(logs, commandLog{Index: i + 1, Command: command, RC: rc, LogPath: logPath})
		if rc != 0 {
			_ = writeJSON(filepath.Join(implDir, "implement.output.json"), map[string]any{"commands": logs})
			return harness.WorkerAttempt{
				Status:     model.AttemptFail,
				ReasonCode: "EXEC.NONZERO_EXIT",
				Notes:      fmt.Sprintf("implement command failed at #%d", i+1),
			}
		}
	}
	_ = writeJSON(filepath.Join(implDir, "implement.output.json"), map[string]any{"commands": logs})
	return harness.WorkerAttempt{Status: model.AttemptPass, Notes: fmt.Sprintf("implement commands passed (%d)", len(cmds))}
}

func runVerifyTask(ctx context.Context, verifyCmd, verifyDir, verifyLogDir string) harness.WorkerAttempt {
	rc, out := runShell(ctx, verifyCmd, verifyDir)
	logPath := filepath.Join(verifyLogDir, "verify.log")
	_ = os.WriteFile(logPath, []byte(fmt.Sprintf("$ %s\n\n%s\n", verifyCmd, out)), 0o644)
	if rc != 0 {
		return harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "VERIFY.TEST_FAILURE", Notes: fmt.Sprintf("verify command failed rc=%d", rc)}
	}
	return harness.WorkerAttempt{Status: model.AttemptPass, Notes: "verify command passed"}
}

func runShell(ctx context.Context, command, dir string) (int, string) {
	cmd := exec.CommandContext(ctx, "bash", "-lc", command)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err == nil {
		return 0, text
	}
	var exitErr *exec.ExitError
	if isExitError(err, &exitErr) {
		return exitErr.ExitCode(), text
	}
	return -1, text + "\n" + err.Error()
}
