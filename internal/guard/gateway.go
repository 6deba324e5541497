package guard

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"syscraft/internal/audit"
	appErr "syscraft/pkg/errors"
	"syscraft/pkg/utils/logger"
)

const defaultMaxOutputBytes = 64 * 1024

// Recorder is the slice of the audit ledger the guard needs.
type Recorder interface {
	Append(ctx context.Context, event audit.Event) (string, error)
}

// GatewayConfig holds the execution bounds for spawned commands.
type GatewayConfig struct {
	MaxOutputBytes int `json:"maxOutputBytes,optional"`
}

// Gateway is the sole process-spawning boundary. It accepts only Argv values
// minted by the validator and writes exactly one ledger entry per call,
// successful or not.
type Gateway struct {
	maxOutput int
	ledger    Recorder
}

func NewGateway(cfg GatewayConfig, ledger Recorder) (*Gateway, error) {
	if ledger == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("audit recorder is required")
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &Gateway{maxOutput: cfg.MaxOutputBytes, ledger: ledger}, nil
}

// Outcome reports what became of one gateway call.
type Outcome struct {
	Argv      []string
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	DryRun    bool
	Truncated bool
	Killed    bool
}

// Execute runs argv, or simulates it in dry-run mode without creating a
// process. The returned Outcome is populated either way; execution failures
// come back as coded errors with the Outcome still filled in.
func (g *Gateway) Execute(ctx context.Context, argv Argv, dryRun bool) (Outcome, error) {
	if argv.IsZero() {
		err := appErr.New(appErr.InvalidParams).WithMessage("argv was not produced by the validator")
		g.record(ctx, audit.Event{
			Action:  audit.ActionCommandRejected,
			Success: false,
			Details: map[string]interface{}{"reason": err.Error()},
		})
		return Outcome{}, err
	}

	if dryRun {
		outcome := Outcome{Argv: argv.Tokens(), DryRun: true}
		logger.Debug(ctx, "command simulated", zap.String("executable", argv.Executable()))
		return outcome, g.record(ctx, executionEvent(outcome, nil))
	}

	outcome, runErr := g.spawn(ctx, argv)
	recErr := g.record(ctx, executionEvent(outcome, runErr))
	if runErr != nil {
		logger.Warn(ctx, "command execution failed",
			zap.String("executable", argv.Executable()),
			zap.Int("exit_code", outcome.ExitCode),
			zap.Error(runErr))
		return outcome, runErr
	}
	return outcome, recErr
}

func (g *Gateway) spawn(ctx context.Context, argv Argv) (Outcome, error) {
	outcome := Outcome{Argv: argv.Tokens()}

	stdout := &limitedBuffer{limit: g.maxOutput}
	stderr := &limitedBuffer{limit: g.maxOutput}

	cmd := exec.Command(argv.Executable(), argv.Args()...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = spawnAttrs()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		outcome.ExitCode = -1
		return outcome, appErr.Wrap(err, appErr.SpawnFailed).WithDetail("executable", argv.Executable())
	}

	var killed atomic.Bool
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killed.Store(true)
			killProcessGroup(cmd.Process.Pid)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	outcome.Duration = time.Since(start)
	outcome.Stdout = stdout.String()
	outcome.Stderr = stderr.String()
	outcome.Truncated = stdout.truncated || stderr.truncated
	outcome.ExitCode = exitCodeFromErr(waitErr, cmd.ProcessState)
	outcome.Killed = killed.Load()

	switch {
	case outcome.Killed:
		if outcome.ExitCode == 0 {
			outcome.ExitCode = -1
		}
		return outcome, appErr.Wrap(ctx.Err(), appErr.ExecutionKilled).WithDetail("executable", argv.Executable())
	case waitErr != nil && !isExitError(waitErr):
		return outcome, appErr.InternalError(waitErr)
	case outcome.ExitCode != 0:
		return outcome, appErr.New(appErr.NonZeroExit).WithDetail("exit_code", outcome.ExitCode)
	case outcome.Truncated:
		return outcome, appErr.New(appErr.OutputTruncated).WithDetail("limit_bytes", g.maxOutput)
	}

	return outcome, nil
}

// executionEvent builds the ledger entry for one gateway call. Dry-run
// entries carry the same structure as live ones so the trails are
// comparable field by field.
func executionEvent(outcome Outcome, runErr error) audit.Event {
	details := map[string]interface{}{
		"argv":        outcome.Argv,
		"exit_code":   outcome.ExitCode,
		"duration_ms": outcome.Duration.Milliseconds(),
		"dry_run":     outcome.DryRun,
		"truncated":   outcome.Truncated,
	}
	if outcome.Killed {
		details["killed"] = true
	}
	if runErr != nil {
		details["error_code"] = int(appErr.GetCode(runErr))
		details["error"] = runErr.Error()
	}
	return audit.Event{
		Action:  audit.ActionCommandExecuted,
		Success: runErr == nil,
		Details: details,
	}
}

func (g *Gateway) record(ctx context.Context, event audit.Event) error {
	if _, err := g.ledger.Append(ctx, event); err != nil {
		logger.Error(ctx, "audit append failed", zap.String("action", event.Action), zap.Error(err))
		return err
	}
	return nil
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if l.limit <= 0 {
		return l.buf.Write(p)
	}
	remaining := l.limit - l.buf.Len()
	if remaining <= 0 {
		l.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		l.truncated = true
		_, _ = l.buf.Write(p[:remaining])
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *limitedBuffer) String() string {
	return l.buf.String()
}
