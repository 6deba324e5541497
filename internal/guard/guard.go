package guard

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"syscraft/internal/audit"
	appErr "syscraft/pkg/errors"
	"syscraft/pkg/utils/contextkey"
	"syscraft/pkg/utils/logger"
)

// Disposition is the terminal fate of one requested command.
type Disposition int

const (
	DispositionRejected Disposition = iota
	DispositionExecuted
	DispositionSimulated
	DispositionSkipped
)

func (d Disposition) String() string {
	switch d {
	case DispositionRejected:
		return "rejected"
	case DispositionExecuted:
		return "executed"
	case DispositionSimulated:
		return "simulated"
	case DispositionSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Guard runs one requested command through the full trust path: validate,
// execute or simulate, log. Every request reaches the ledger exactly once,
// rejections and skips included. Hooks and the module pipeline both submit
// through here; neither holds spawn privilege of its own.
type Guard struct {
	validator *Validator
	gateway   *Gateway
	ledger    Recorder
}

func NewGuard(validator *Validator, gateway *Gateway, ledger Recorder) (*Guard, error) {
	if validator == nil || gateway == nil || ledger == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("validator, gateway and recorder are required")
	}
	return &Guard{validator: validator, gateway: gateway, ledger: ledger}, nil
}

// RunResult couples the disposition with the gateway outcome when one exists.
type RunResult struct {
	Disposition Disposition
	Outcome     Outcome
}

// Run submits a raw command string. Rejected commands never reach the
// gateway; a context already canceled after validation skips the spawn but
// still logs the request.
func (g *Guard) Run(ctx context.Context, raw string, dryRun bool) (RunResult, error) {
	ctx = contextkey.WithValue(ctx, contextkey.RequestID, uuid.NewString())

	argv, err := g.validator.Validate(raw, dryRun)
	if err != nil {
		g.logRejection(ctx, raw, dryRun, err)
		return RunResult{Disposition: DispositionRejected}, err
	}

	if ctx.Err() != nil {
		g.logSkip(ctx, argv, dryRun)
		return RunResult{Disposition: DispositionSkipped}, appErr.Wrap(ctx.Err(), appErr.Canceled)
	}

	outcome, execErr := g.gateway.Execute(ctx, argv, dryRun)
	disposition := DispositionExecuted
	if dryRun {
		disposition = DispositionSimulated
	}
	return RunResult{Disposition: disposition, Outcome: outcome}, execErr
}

func (g *Guard) logRejection(ctx context.Context, raw string, dryRun bool, err error) {
	rejection := appErr.GetError(err)
	details := map[string]interface{}{
		"command":    raw,
		"dry_run":    dryRun,
		"error_code": int(rejection.Code),
		"reason":     rejection.Error(),
	}
	for k, v := range rejection.Details {
		details[k] = v
	}

	event := audit.Event{
		Action:  audit.ActionCommandRejected,
		Success: false,
		Details: details,
	}
	if _, recErr := g.ledger.Append(ctx, event); recErr != nil {
		logger.Error(ctx, "audit append failed", zap.String("action", event.Action), zap.Error(recErr))
	}
	logger.Warn(ctx, "command rejected",
		zap.String("command", raw),
		zap.Int("error_code", int(rejection.Code)))
}

func (g *Guard) logSkip(ctx context.Context, argv Argv, dryRun bool) {
	// The request context is already dead; the ledger write must not be.
	logCtx := context.WithoutCancel(ctx)
	event := audit.Event{
		Action:  audit.ActionCommandSkipped,
		Success: false,
		Details: map[string]interface{}{
			"argv":    argv.Tokens(),
			"dry_run": dryRun,
			"reason":  ctx.Err().Error(),
		},
	}
	if _, recErr := g.ledger.Append(logCtx, event); recErr != nil {
		logger.Error(logCtx, "audit append failed", zap.String("action", event.Action), zap.Error(recErr))
	}
}
