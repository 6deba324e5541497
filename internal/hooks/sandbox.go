// Package hooks runs user-supplied Lua hook scripts inside a constrained VM.
// Scripts get a small host-function surface (run_command, log, getenv,
// module_name) and nothing else: no os, no io, no loading of further code.
// Limits are preemptive: the VM is sized from the memory budget before the
// script runs, and a watchdog enforces the time budget from outside.
package hooks

import (
	"context"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"syscraft/internal/guard"
	appErr "syscraft/pkg/errors"
)

const (
	DefaultTimeout          = 5 * time.Second
	DefaultMemoryLimitBytes = 64 << 20

	// registrySlotCost approximates how many bytes of the memory budget one
	// VM registry slot is worth. The registry backs the data stack, so
	// capping it bounds what a runaway script can allocate through the VM.
	registrySlotCost = 64

	callStackSize = 128
	maxLogEntries = 256

	PhasePre  = "pre"
	PhasePost = "post"
)

// Policy is the resource budget for one hook invocation.
type Policy struct {
	MemoryLimitBytes int64         `json:"memoryLimitBytes,optional"`
	Timeout          time.Duration `json:"timeout,optional"`

	// EnvPassthrough lists the only environment variables getenv exposes.
	EnvPassthrough []string `json:"envPassthrough,optional"`
}

// DefaultPolicy returns the budget hooks run under when the configuration
// does not say otherwise.
func DefaultPolicy() Policy {
	return Policy{
		MemoryLimitBytes: DefaultMemoryLimitBytes,
		Timeout:          DefaultTimeout,
		EnvPassthrough:   []string{"HOME", "USER", "PATH"},
	}
}

func (p Policy) withDefaults() Policy {
	if p.MemoryLimitBytes <= 0 {
		p.MemoryLimitBytes = DefaultMemoryLimitBytes
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// CommandRunner is how hook scripts reach the execution boundary. Every
// run_command call goes through the same validate/execute/audit path as any
// other command; the sandbox grants no shortcut.
type CommandRunner interface {
	Run(ctx context.Context, raw string, dryRun bool) (guard.RunResult, error)
}

// RunRequest describes one hook invocation.
type RunRequest struct {
	Module string
	Phase  string
	Source string
	DryRun bool
	Policy Policy
}

// HookResult reports what a finished (or aborted) hook did.
type HookResult struct {
	Duration time.Duration
	Logs     []string
	Commands int
}

// Sandbox runs hook scripts. It is stateless across runs; every invocation
// gets a fresh VM.
type Sandbox struct {
	runner CommandRunner
}

func NewSandbox(runner CommandRunner) (*Sandbox, error) {
	if runner == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command runner is required")
	}
	return &Sandbox{runner: runner}, nil
}

// Run executes req.Source under req.Policy. An empty source is a no-op.
// The error is coded: SandboxTimeout when the time budget ran out,
// SandboxLimitExceeded when the VM hit its capacity, CapabilityViolation
// when the script touched anything outside the host-function allow-list,
// ScriptError for plain script failures. A capability violation is reported
// even when the script swallowed the resulting Lua error with pcall.
func (s *Sandbox) Run(ctx context.Context, req RunRequest) (HookResult, error) {
	if strings.TrimSpace(req.Source) == "" {
		return HookResult{}, nil
	}
	policy := req.Policy.withDefaults()

	runCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	state := &runState{ctx: runCtx, req: req, policy: policy, runner: s.runner}

	L := newLState(policy)
	if err := openLibraries(L); err != nil {
		L.Close()
		return HookResult{}, err
	}
	installHostFunctions(L, state)
	installCapabilityTraps(L, state)
	L.SetContext(runCtx)

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- runScript(L, req.Source) }()

	var scriptErr error
	abandoned := false
	select {
	case scriptErr = <-done:
		L.Close()
	case <-time.After(policy.Timeout + abandonGrace(policy.Timeout)):
		// The VM is stuck inside a host call that ignored the deadline.
		// Abandon it; close once it eventually returns.
		abandoned = true
		go func() { <-done; L.Close() }()
	}

	logs, commands, violation := state.snapshot()
	result := HookResult{Duration: time.Since(start), Logs: logs, Commands: commands}

	switch {
	case violation != "":
		return result, appErr.Newf(appErr.CapabilityViolation, "hook used forbidden capability %q", violation).
			WithDetail("capability", violation)
	case ctx.Err() != nil:
		return result, appErr.Wrap(ctx.Err(), appErr.Canceled)
	case abandoned || runCtx.Err() == context.DeadlineExceeded:
		return result, appErr.Newf(appErr.SandboxTimeout, "hook exceeded %v time budget", policy.Timeout).
			WithDetail("timeout_ms", policy.Timeout.Milliseconds())
	case scriptErr != nil:
		return result, mapScriptError(scriptErr, policy)
	}
	return result, nil
}

// runState is shared between Run and the host functions. The mutex matters
// on the abandon path, where Run reads while a stuck goroutine may still be
// writing.
type runState struct {
	ctx    context.Context
	req    RunRequest
	policy Policy
	runner CommandRunner

	mu        sync.Mutex
	logs      []string
	commands  int
	violation string
}

func (st *runState) addLog(line string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.logs) < maxLogEntries {
		st.logs = append(st.logs, line)
	}
}

func (st *runState) bumpCommands() {
	st.mu.Lock()
	st.commands++
	st.mu.Unlock()
}

func (st *runState) setViolation(capability string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.violation == "" {
		st.violation = capability
	}
}

func (st *runState) snapshot() (logs []string, commands int, violation string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	logs = make([]string, len(st.logs))
	copy(logs, st.logs)
	return logs, st.commands, st.violation
}

func (st *runState) envAllowed(name string) bool {
	for _, allowed := range st.policy.EnvPassthrough {
		if name == allowed {
			return true
		}
	}
	return false
}

// newLState sizes the VM from the memory budget. gopher-lua does not meter
// heap bytes, so the budget maps onto registry capacity, which bounds the
// data stack the script can occupy.
func newLState(policy Policy) *lua.LState {
	initial, max := registryCapacity(policy.MemoryLimitBytes)
	return lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		RegistrySize:    initial,
		RegistryMaxSize: max,
		CallStackSize:   callStackSize,
	})
}

func registryCapacity(limitBytes int64) (initial, max int) {
	slots := limitBytes / registrySlotCost
	if slots < 4096 {
		slots = 4096
	}
	if slots > 4<<20 {
		slots = 4 << 20
	}
	max = int(slots)
	initial = max
	if initial > 8192 {
		initial = 8192
	}
	return initial, max
}

// openLibraries loads only the side-effect-free parts of the stdlib. os, io
// and debug are never opened; package is opened because the other loaders
// register through it, then trapped.
func openLibraries(L *lua.LState) error {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return appErr.InternalError(err)
		}
	}
	return nil
}

// runScript converts any VM panic into an error so the watchdog select
// never deadlocks on a dead goroutine.
func runScript(L *lua.LState, source string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = appErr.Newf(appErr.ScriptError, "hook runtime panic: %v", r)
		}
	}()
	return L.DoString(source)
}

func mapScriptError(err error, policy Policy) error {
	msg := err.Error()
	if strings.Contains(msg, "overflow") {
		return appErr.Wrap(err, appErr.SandboxLimitExceeded).
			WithDetail("memory_limit_bytes", policy.MemoryLimitBytes)
	}
	if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Type == lua.ApiErrorSyntax {
		return appErr.Wrap(err, appErr.ScriptError).WithDetail("stage", "compile")
	}
	return appErr.Wrap(err, appErr.ScriptError)
}

// abandonGrace is how long past the deadline Run waits for the VM before
// walking away from it.
func abandonGrace(timeout time.Duration) time.Duration {
	grace := timeout / 4
	if grace < 10*time.Millisecond {
		grace = 10 * time.Millisecond
	}
	if grace > 250*time.Millisecond {
		grace = 250 * time.Millisecond
	}
	return grace
}
