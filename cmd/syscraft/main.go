// Command syscraft applies declarative module sets through the trust core:
// every shell command passes the whitelist validator, runs through the
// gateway, and lands on the signed audit chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"syscraft/internal/audit"
	"syscraft/internal/guard"
	"syscraft/internal/hooks"
	"syscraft/internal/integrity"
	"syscraft/internal/pipeline"
	"syscraft/internal/policy"
	appErr "syscraft/pkg/errors"
	"syscraft/pkg/utils/logger"
)

var (
	configFile  = flag.String("f", "etc/syscraft.yaml", "the policy file")
	modulesPath = flag.String("modules", "", "module catalog file or directory, overrides the policy file")
	dryRun      = flag.Bool("dry-run", false, "simulate commands instead of spawning them")
	actor       = flag.String("actor", "", "identity recorded on audit entries")
	verify      = flag.Bool("verify", false, "verify the audit chain and exit")
	export      = flag.String("export", "", "write a compressed ledger snapshot to this path and exit")
)

func main() {
	flag.Parse()

	cfg, err := policy.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load policy failed: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "open ledger failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		_ = ledger.Close()
	}()

	switch {
	case *verify:
		code := verifyChain(ctx, ledger)
		stop()
		os.Exit(code)
	case *export != "":
		code := exportSnapshot(ctx, ledger, *export)
		stop()
		os.Exit(code)
	}

	requested := flag.Args()
	if len(requested) == 0 {
		fmt.Fprintln(os.Stderr, "no modules requested")
		os.Exit(2)
	}

	modules, err := loadCatalog(cfg, *modulesPath)
	if err != nil {
		logger.Error(ctx, "load module catalog failed", zap.Error(err))
		os.Exit(1)
	}
	catalog, err := pipeline.NewCatalog(modules)
	if err != nil {
		logger.Error(ctx, "build module catalog failed", zap.Error(err))
		os.Exit(1)
	}
	closure, err := catalog.Resolve(requested)
	if err != nil {
		logger.Error(ctx, "resolve modules failed", zap.Error(err))
		os.Exit(1)
	}

	engine, err := buildEngine(cfg, ledger)
	if err != nil {
		logger.Error(ctx, "init engine failed", zap.Error(err))
		os.Exit(1)
	}

	report, err := engine.Apply(ctx, closure, pipeline.ApplyOptions{
		DryRun: *dryRun,
		Actor:  *actor,
	})
	if err != nil {
		logger.Error(ctx, "apply run failed", zap.Error(err))
		os.Exit(1)
	}

	printReport(report)
	if report.Failed > 0 || report.Skipped > 0 {
		os.Exit(1)
	}
}

func openLedger(ctx context.Context, cfg policy.Config) (*audit.Ledger, error) {
	keys, err := integrity.LoadKeyring(cfg.Keyring.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Keyring.SigningKeyPath == "" {
		return nil, appErr.New(appErr.ConfigInvalid).WithMessage("keyring.signingKeyPath is required to open the ledger")
	}
	signer, err := integrity.LoadSigner(cfg.Keyring.SigningKeyPath, cfg.Keyring.KeyID)
	if err != nil {
		return nil, err
	}

	var store audit.Store
	switch cfg.Ledger.Backend {
	case policy.LedgerBackendRedis:
		store, err = audit.DialRedisStore(cfg.Ledger.Redis.Addr, cfg.Ledger.Redis.Password, cfg.Ledger.Redis.DB, cfg.Ledger.Redis.Key)
	default:
		store, err = audit.NewFileStore(cfg.Ledger.Path)
	}
	if err != nil {
		return nil, err
	}
	return audit.NewLedger(ctx, store, signer, keys)
}

func buildEngine(cfg policy.Config, ledger *audit.Ledger) (*pipeline.Engine, error) {
	whitelist, err := guard.NewWhitelist(cfg.Whitelist)
	if err != nil {
		return nil, err
	}
	validator, err := guard.NewValidator(whitelist)
	if err != nil {
		return nil, err
	}
	gateway, err := guard.NewGateway(cfg.Gateway, ledger)
	if err != nil {
		return nil, err
	}
	g, err := guard.NewGuard(validator, gateway, ledger)
	if err != nil {
		return nil, err
	}
	sandbox, err := hooks.NewSandbox(g)
	if err != nil {
		return nil, err
	}
	return pipeline.NewEngine(pipeline.EngineConfig{
		Runner:        g,
		Hooks:         sandbox,
		Ledger:        ledger,
		HookPolicy:    cfg.Hooks,
		PackageHelper: cfg.Pipeline.PackageHelper,
		Workers:       cfg.Pipeline.Workers,
	})
}

func loadCatalog(cfg policy.Config, override string) ([]pipeline.Module, error) {
	path := override
	if path == "" {
		path = cfg.Pipeline.ModulesPath
	}
	if path == "" {
		return nil, appErr.New(appErr.ConfigInvalid).WithMessage("no module catalog configured, set pipeline.modulesPath or pass -modules")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.ConfigLoadFailed).WithDetail("path", path)
	}
	if info.IsDir() {
		return policy.LoadModulesDir(path)
	}
	return policy.LoadModules(path)
}

func verifyChain(ctx context.Context, ledger *audit.Ledger) int {
	result, err := ledger.VerifyChain(ctx)
	if err != nil {
		logger.Error(ctx, "verify chain failed", zap.Error(err))
		return 1
	}
	if !result.Intact {
		fmt.Printf("chain BROKEN at record %d: %s\n", result.FirstBroken, result.Reason)
		return 1
	}
	fmt.Printf("chain intact, %d records\n", result.RecordCount)
	return 0
}

func exportSnapshot(ctx context.Context, ledger *audit.Ledger, path string) int {
	// O_EXCL: a snapshot never overwrites an existing file.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		logger.Error(ctx, "open export file failed", zap.Error(err))
		return 1
	}
	count, err := ledger.ExportSnapshot(ctx, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		logger.Error(ctx, "export snapshot failed", zap.Error(err))
		return 1
	}
	fmt.Printf("exported %d records to %s\n", count, path)
	return 0
}

func printReport(report pipeline.Report) {
	for _, result := range report.Results {
		switch {
		case result.Status == pipeline.StatusApplied:
			fmt.Printf("%-7s %s  %d commands in %s\n",
				result.Status, result.Module, result.Commands, result.Duration.Round(time.Millisecond))
		case result.Err != nil:
			fmt.Printf("%-7s %s  %v\n", result.Status, result.Module, result.Err)
		default:
			fmt.Printf("%-7s %s\n", result.Status, result.Module)
		}
	}
	mode := ""
	if report.DryRun {
		mode = " (dry-run)"
	}
	fmt.Printf("%d applied, %d failed, %d skipped in %s%s\n",
		report.Applied, report.Failed, report.Skipped, report.Duration.Round(time.Millisecond), mode)
}
