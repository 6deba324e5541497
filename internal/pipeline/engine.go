// Package pipeline applies resolved module sets. It owns ordering
// (dependency closure, conflict checks) and the strict sequence inside one
// module: pre-hook, packages, commands, post-hook. The engine holds no
// spawn privilege of its own; every command it issues goes through the
// guard, and every module, hook and skip outcome lands in the audit
// ledger.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"

	"syscraft/internal/audit"
	"syscraft/internal/guard"
	"syscraft/internal/hooks"
	appErr "syscraft/pkg/errors"
	"syscraft/pkg/utils/contextkey"
)

// Package helpers the engine can drive: pacman for official repositories,
// paru or yay when AUR builds are wanted.
const (
	HelperPacman = "pacman"
	HelperParu   = "paru"
	HelperYay    = "yay"
)

func helperKnown(helper string) bool {
	switch helper {
	case HelperPacman, HelperParu, HelperYay:
		return true
	}
	return false
}

func helperInstallsAUR(helper string) bool {
	return helper == HelperParu || helper == HelperYay
}

// CommandRunner is the validated execution path module commands are
// submitted through. *guard.Guard satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, raw string, dryRun bool) (guard.RunResult, error)
}

// HookRunner executes hook scripts under the sandbox budget.
// *hooks.Sandbox satisfies it.
type HookRunner interface {
	Run(ctx context.Context, req hooks.RunRequest) (hooks.HookResult, error)
}

// Recorder is the slice of the audit ledger the engine appends module and
// hook outcomes to.
type Recorder interface {
	Append(ctx context.Context, event audit.Event) (string, error)
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Runner CommandRunner
	Hooks  HookRunner
	Ledger Recorder

	// HookPolicy is the resource budget every module hook runs under.
	HookPolicy hooks.Policy

	// PackageHelper drives package installs; one of pacman, paru, yay.
	// Empty means pacman.
	PackageHelper string

	// Workers bounds how many independent modules run at once.
	Workers int
}

// Engine applies module sets. Independent modules run concurrently under a
// bounded pool; a failed module drags its dependents to skipped while
// unrelated modules keep going.
type Engine struct {
	runner  CommandRunner
	hooks   HookRunner
	ledger  Recorder
	policy  hooks.Policy
	helper  string
	workers int
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Runner == nil || cfg.Hooks == nil || cfg.Ledger == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("runner, hook runner and recorder are required")
	}
	helper := cfg.PackageHelper
	if helper == "" {
		helper = HelperPacman
	}
	if !helperKnown(helper) {
		return nil, appErr.Newf(appErr.ConfigInvalid, "unknown package helper %q", helper)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		runner:  cfg.Runner,
		hooks:   cfg.Hooks,
		ledger:  cfg.Ledger,
		policy:  cfg.HookPolicy,
		helper:  helper,
		workers: workers,
	}, nil
}

// ApplyOptions tunes one Apply run.
type ApplyOptions struct {
	// DryRun simulates every command; nothing spawns, everything logs.
	DryRun bool

	// Force reinstalls packages even when they are already present.
	Force bool

	// Actor is attached to the run context and recorded on every ledger
	// entry of the run.
	Actor string

	// PreSync and PostSync are hook scripts bracketing the whole run.
	PreSync  string
	PostSync string
}

// ModuleStatus is the terminal fate of one module in a run.
type ModuleStatus int

const (
	StatusApplied ModuleStatus = iota
	StatusFailed
	StatusSkipped
)

func (s ModuleStatus) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ModuleResult reports one module's outcome. Commands counts what actually
// went through the runner, successful or simulated.
type ModuleResult struct {
	Module   string
	Status   ModuleStatus
	Err      error
	Commands int
	Duration time.Duration
}

// Report summarizes an Apply run. Per-module failures live here rather
// than in Apply's error: the caller reads the report and decides whether
// to go on.
type Report struct {
	RunID    string
	DryRun   bool
	Results  []ModuleResult
	Applied  int
	Failed   int
	Skipped  int
	Duration time.Duration
}

// Apply runs modules in dependency order. The set must be closed: every
// required name present in modules; Catalog.Resolve produces such sets.
// Apply returns an error only when the run could not start (bad module
// set, failed opening hook) or its closing hook failed. Individual module
// failures are reported per module.
func (e *Engine) Apply(ctx context.Context, modules []Module, opts ApplyOptions) (Report, error) {
	runID := uuid.NewString()
	ctx = contextkey.WithValue(ctx, contextkey.RunID, runID)
	if opts.Actor != "" {
		ctx = contextkey.WithValue(ctx, contextkey.Actor, opts.Actor)
	}

	run := &applyRun{
		Logger: logx.WithContext(ctx),
		engine: e,
		opts:   opts,
	}
	report := Report{RunID: runID, DryRun: opts.DryRun}
	start := time.Now()

	ordered, err := planOrder(modules)
	if err != nil {
		run.Errorf("apply aborted, bad module set: %v", err)
		return report, err
	}

	run.Infof("apply start: %d modules, dry_run=%v", len(ordered), opts.DryRun)

	if err := run.syncHook(ctx, hooks.PhasePre, opts.PreSync); err != nil {
		report.Duration = time.Since(start)
		return report, err
	}

	report.Results = run.applyAll(ctx, ordered)
	for _, res := range report.Results {
		switch res.Status {
		case StatusApplied:
			report.Applied++
		case StatusFailed:
			report.Failed++
		case StatusSkipped:
			report.Skipped++
		}
	}

	err = run.syncHook(ctx, hooks.PhasePost, opts.PostSync)
	report.Duration = time.Since(start)
	run.Infof("apply finished: %d applied, %d failed, %d skipped in %s",
		report.Applied, report.Failed, report.Skipped, report.Duration)
	return report, err
}

// planOrder resolves the given set against itself, yielding apply order and
// rejecting open or conflicting sets before anything runs.
func planOrder(modules []Module) ([]Module, error) {
	catalog, err := NewCatalog(modules)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(modules))
	for i, m := range modules {
		names[i] = m.Name
	}
	return catalog.Resolve(names)
}

// applyRun carries one run's shared state: the context-scoped logger plus
// the options every module goroutine reads.
type applyRun struct {
	logx.Logger
	engine *Engine
	opts   ApplyOptions
}

// applyAll schedules ordered modules onto the worker pool. Each module
// waits for its requirements, inherits their failure as a skip, and
// otherwise takes a pool slot and applies. ordered must be closed and
// dependency-sorted.
func (r *applyRun) applyAll(ctx context.Context, ordered []Module) []ModuleResult {
	results := make([]ModuleResult, len(ordered))
	index := make(map[string]int, len(ordered))
	done := make(map[string]chan struct{}, len(ordered))
	for i, m := range ordered {
		index[m.Name] = i
		done[m.Name] = make(chan struct{})
	}

	sem := make(chan struct{}, r.engine.workers)
	var wg sync.WaitGroup
	for i := range ordered {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// The result write happens before close(done), so dependents
			// reading results[i] after <-done[name] see the final value.
			defer close(done[ordered[i].Name])
			results[i] = r.applyOne(ctx, ordered[i], sem, done, results, index)
		}(i)
	}
	wg.Wait()
	return results
}

func (r *applyRun) applyOne(ctx context.Context, m Module, sem chan struct{}, done map[string]chan struct{}, results []ModuleResult, index map[string]int) ModuleResult {
	mctx := contextkey.WithValue(ctx, contextkey.ModuleName, m.Name)

	// Checked up front so an already-dead context skips deterministically
	// instead of racing the selects below.
	if err := ctx.Err(); err != nil {
		return r.skip(mctx, m, appErr.Wrap(err, appErr.Canceled))
	}

	for _, dep := range m.Requires {
		select {
		case <-done[dep]:
		case <-ctx.Done():
			return r.skip(mctx, m, appErr.Wrap(ctx.Err(), appErr.Canceled))
		}
		if prior := results[index[dep]]; prior.Status != StatusApplied {
			return r.skip(mctx, m, appErr.Newf(appErr.ModuleSkipped,
				"module %q requires %q, which did not apply (%s)", m.Name, dep, prior.Status).
				WithDetail("requires", dep))
		}
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return r.skip(mctx, m, appErr.Wrap(ctx.Err(), appErr.Canceled))
	}
	defer func() { <-sem }()

	return r.runModule(mctx, m)
}

// runModule applies one module: pre-hook, packages, commands, post-hook,
// strictly in that order, stopping at the first failure.
func (r *applyRun) runModule(ctx context.Context, m Module) ModuleResult {
	start := time.Now()
	r.Infof("module %s start", m.Name)

	commands, err := r.moduleCommands(m)
	if err == nil && m.PreHook != "" {
		err = r.runHook(ctx, m.Name, hooks.PhasePre, m.PreHook)
	}
	ran := 0
	if err == nil {
		ran, err = r.runCommands(ctx, commands)
	}
	if err == nil && m.PostHook != "" {
		err = r.runHook(ctx, m.Name, hooks.PhasePost, m.PostHook)
	}

	result := ModuleResult{Module: m.Name, Commands: ran, Duration: time.Since(start)}
	details := map[string]interface{}{
		"dry_run":     r.opts.DryRun,
		"packages":    len(m.Packages) + len(m.AURPackages),
		"commands":    ran,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if err != nil {
		modErr := appErr.GetError(err)
		details["error_code"] = int(modErr.Code)
		details["reason"] = modErr.Error()
		result.Status = StatusFailed
		result.Err = err
		r.Errorf("module %s failed: %v", m.Name, err)
		r.appendEvent(ctx, audit.Event{
			Action:  audit.ActionModuleFailed,
			Module:  m.Name,
			Success: false,
			Details: details,
		})
		return result
	}

	result.Status = StatusApplied
	r.Infof("module %s applied: %d commands in %s", m.Name, ran, result.Duration)
	r.appendEvent(ctx, audit.Event{
		Action:  audit.ActionModuleApplied,
		Module:  m.Name,
		Success: true,
		Details: details,
	})
	return result
}

// moduleCommands expands a module's package lists and raw commands into
// the strings submitted to the runner. AUR packages need a helper that can
// build them; plain pacman cannot.
func (r *applyRun) moduleCommands(m Module) ([]string, error) {
	helper := r.engine.helper
	if len(m.AURPackages) > 0 && !helperInstallsAUR(helper) {
		return nil, appErr.Newf(appErr.ConfigInvalid,
			"module %q lists AUR packages but %s cannot install them, use paru or yay", m.Name, helper)
	}
	commands := make([]string, 0, len(m.Packages)+len(m.AURPackages)+len(m.Commands))
	for _, pkg := range m.Packages {
		commands = append(commands, installCommand(helper, pkg, r.opts.Force))
	}
	for _, pkg := range m.AURPackages {
		commands = append(commands, installCommand(helper, pkg, r.opts.Force))
	}
	commands = append(commands, m.Commands...)
	return commands, nil
}

// installCommand mirrors how the helper is actually driven: sync without
// prompts, and skip what is already present unless forced.
func installCommand(helper, pkg string, force bool) string {
	parts := []string{helper, "-S", "--noconfirm"}
	if !force {
		parts = append(parts, "--needed")
	}
	return strings.Join(append(parts, pkg), " ")
}

// runCommands submits commands in order, stopping at the first failure.
// Rejections, skips and execution errors come back as the coded error the
// guard produced; nothing is retried.
func (r *applyRun) runCommands(ctx context.Context, commands []string) (int, error) {
	ran := 0
	for _, raw := range commands {
		if _, err := r.engine.runner.Run(ctx, raw, r.opts.DryRun); err != nil {
			return ran, appErr.GetError(err).WithDetail("command", raw)
		}
		ran++
	}
	return ran, nil
}

// runHook executes one hook script and appends its outcome to the ledger.
// Commands the script issues audit themselves through the runner; this
// entry records the hook as a whole.
func (r *applyRun) runHook(ctx context.Context, module, phase, source string) error {
	res, err := r.engine.hooks.Run(ctx, hooks.RunRequest{
		Module: module,
		Phase:  phase,
		Source: source,
		DryRun: r.opts.DryRun,
		Policy: r.engine.policy,
	})

	details := map[string]interface{}{
		"phase":       phase,
		"dry_run":     r.opts.DryRun,
		"duration_ms": res.Duration.Milliseconds(),
		"commands":    res.Commands,
	}
	event := audit.Event{
		Action:  audit.ActionHookCompleted,
		Module:  module,
		Success: true,
		Details: details,
	}
	if err != nil {
		hookErr := appErr.GetError(err)
		details["error_code"] = int(hookErr.Code)
		details["reason"] = hookErr.Error()
		if len(res.Logs) > 0 {
			details["logs"] = res.Logs
		}
		event.Action = audit.ActionHookFailed
		event.Success = false
	}
	r.appendEvent(ctx, event)

	if err != nil {
		return appErr.Wrapf(err, appErr.HookFailed, "%s hook failed", phase)
	}
	return nil
}

// syncHook runs a whole-run hook. Run-scope hooks carry no module name; a
// failure is fatal to the run.
func (r *applyRun) syncHook(ctx context.Context, phase, source string) error {
	if strings.TrimSpace(source) == "" {
		return nil
	}
	err := r.runHook(ctx, "", phase, source)
	if err != nil {
		r.Errorf("%s-sync hook failed: %v", phase, err)
	}
	return err
}

// skip records a module that never ran.
func (r *applyRun) skip(ctx context.Context, m Module, cause error) ModuleResult {
	skipErr := appErr.GetError(cause)
	r.Infof("module %s skipped: %v", m.Name, skipErr)
	r.appendEvent(ctx, audit.Event{
		Action:  audit.ActionModuleSkipped,
		Module:  m.Name,
		Success: false,
		Details: map[string]interface{}{
			"dry_run":    r.opts.DryRun,
			"error_code": int(skipErr.Code),
			"reason":     skipErr.Error(),
		},
	})
	return ModuleResult{Module: m.Name, Status: StatusSkipped, Err: cause}
}

// appendEvent writes one engine event. The forensic record must survive a
// request context that died mid-run, so appends continue under a detached
// context once ctx is done.
func (r *applyRun) appendEvent(ctx context.Context, event audit.Event) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if _, err := r.engine.ledger.Append(ctx, event); err != nil {
		r.Errorf("audit append failed: action=%s err=%v", event.Action, err)
	}
}
