package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/btangonan/nano-banana-runner-sub001/batchjob"
	"github.com/btangonan/nano-banana-runner-sub001/core"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
	"github.com/btangonan/nano-banana-runner-sub001/metrics"
	"github.com/btangonan/nano-banana-runner-sub001/orchestrator"
	"github.com/btangonan/nano-banana-runner-sub001/providers"
	"github.com/btangonan/nano-banana-runner-sub001/refpack"
	"github.com/btangonan/nano-banana-runner-sub001/shutdown"
	"github.com/btangonan/nano-banana-runner-sub001/styleguard"
)

const usageText = `nano-banana-runner: prompt-driven image generation

Usage:
  nn <command> [flags]

Commands:
  run      generate images end to end (preflight, select provider, generate)
  submit   submit a batch job and exit without waiting
  poll     check the status of a batch job once
  fetch    download the results of a finished batch job
  cancel   cancel a batch job
  resume   pick up an interrupted batch job (watch, then fetch)
  probe    probe publisher models and refresh the health cache
  jobs     list known batch jobs

Run "nn <command> -h" for command flags.
`

// cliEnv bundles what every subcommand needs.
type cliEnv struct {
	cfg     *core.Config
	log     *logging.Logger
	ctx     context.Context
	cleanup *shutdown.Stack
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return core.ExitCodeConfig
	}

	development := os.Getenv("NN_DEV_MODE") == "true"
	logger, err := logging.NewLogger(development, "nn.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return core.ExitCodeError
	}

	cfg, err := core.LoadConfig()
	if err != nil {
		logger.Error("configuration invalid", zap.Error(err))
		return emitProblem(core.ConfigProblem(err.Error()))
	}

	coord := shutdown.NewCoordinator(logger.Zap())
	ctx := coord.Start(context.Background())
	defer coord.Stop()

	cleanup := shutdown.NewStack(logger.Zap())
	cleanup.Push("logger", func(context.Context) error { return logger.Sync() })
	defer cleanup.Run(context.Background())

	env := &cliEnv{cfg: cfg, log: logger, ctx: ctx, cleanup: cleanup}

	var code int
	switch cmd := args[0]; cmd {
	case "run":
		code = cmdRun(env, args[1:])
	case "submit":
		code = cmdSubmit(env, args[1:])
	case "poll":
		code = cmdPoll(env, args[1:])
	case "fetch":
		code = cmdFetch(env, args[1:])
	case "cancel":
		code = cmdCancel(env, args[1:])
	case "resume":
		code = cmdResume(env, args[1:])
	case "probe":
		code = cmdProbe(env, args[1:])
	case "jobs":
		code = cmdJobs(env, args[1:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stderr, usageText)
		code = core.ExitCodeSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usageText)
		code = core.ExitCodeConfig
	}
	return code
}

// emitProblem prints a Problem as RFC 7807 JSON on stderr and maps it to an
// exit code. Non-problem errors come through exitFor.
func emitProblem(p *core.Problem) int {
	fmt.Fprintln(os.Stderr, string(p.JSON()))
	return core.ExitCodeFor(p)
}

func exitFor(ctx context.Context, err error) int {
	if ctx.Err() != nil {
		return core.ExitCodeCanceled
	}
	return emitProblem(core.AsProblem(err))
}

// loadInputs reads the prompt rows and, when given, the reference pack.
func loadInputs(promptsPath, packPath string) ([]core.PromptRow, *refpack.Pack, error) {
	if promptsPath == "" {
		return nil, nil, core.ConfigProblem("-prompts is required")
	}
	rows, err := core.LoadPromptRows(promptsPath)
	if err != nil {
		return nil, nil, err
	}
	var pack *refpack.Pack
	if packPath != "" {
		pack, err = refpack.Load(packPath)
		if err != nil {
			return nil, nil, err
		}
	}
	return rows, pack, nil
}

func cmdRun(env *cliEnv, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	promptsPath := fs.String("prompts", "", "prompt rows file (JSONL)")
	packPath := fs.String("pack", "", "reference pack (YAML, JSON, or a directory of images)")
	outDir := fs.String("out", env.cfg.OutDir, "output directory for generated images")
	provider := fs.String("provider", "", "force a provider for this run (batch, vertex)")
	dryRun := fs.Bool("dry-run", os.Getenv("NN_DRY_RUN") == "true", "estimate count and cost without generating")
	fs.Parse(args)

	rows, pack, err := loadInputs(*promptsPath, *packPath)
	if err != nil {
		return exitFor(env.ctx, err)
	}

	selector, err := providers.NewSelector(env.cfg, env.log)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	collector := metrics.NewRunStore(metrics.DefaultStoreConfig())
	orch := orchestrator.New(env.cfg, env.log, selector, collector)

	if *dryRun {
		est, err := orch.DryRun(env.ctx, rows, pack)
		if err != nil {
			return exitFor(env.ctx, err)
		}
		printEstimate(est)
		if len(est.Problems) > 0 {
			return emitProblem(est.Problems[0])
		}
		return core.ExitCodeSuccess
	}

	result, err := orch.Run(env.ctx, rows, pack, core.ProviderName(*provider), *outDir)
	if err != nil {
		if result != nil {
			printRunResult(result)
		}
		return exitFor(env.ctx, err)
	}
	printRunResult(result)
	if len(result.Written) == 0 && len(result.Problems) > 0 {
		return emitProblem(result.Problems[0])
	}
	return core.ExitCodeSuccess
}

func cmdSubmit(env *cliEnv, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	promptsPath := fs.String("prompts", "", "prompt rows file (JSONL)")
	packPath := fs.String("pack", "", "reference pack (YAML, JSON, or a directory of images)")
	fs.Parse(args)

	rows, pack, err := loadInputs(*promptsPath, *packPath)
	if err != nil {
		return exitFor(env.ctx, err)
	}

	pre, err := refpack.Preflight(env.ctx, rows, pack, refpack.BudgetsFromConfig(env.cfg), env.log)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	if !pre.OK {
		return emitProblem(pre.Problems[0])
	}

	mgr, err := openManager(env, pack)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	env.cleanup.Push("job index", func(context.Context) error { return mgr.Close() })

	items := orchestrator.BuildRequests(rows, env.cfg.Variants, pre.Registry, env.cfg.MaxRefsPerItem)
	meta := batchjob.SubmitMeta{}
	if pack != nil {
		meta.StyleRefsHash = refpack.HashPaths(pack.StylePaths())
	}
	manifest, err := mgr.Submit(env.ctx, items, meta)
	if err != nil {
		return exitFor(env.ctx, err)
	}

	color.New(color.FgGreen).Printf("submitted %s (%d items)\n", manifest.JobID, manifest.EstCount)
	fmt.Printf("poll with: nn poll -job %s\n", manifest.JobID)
	return core.ExitCodeSuccess
}

func cmdPoll(env *cliEnv, args []string) int {
	fs := flag.NewFlagSet("poll", flag.ExitOnError)
	jobID := fs.String("job", "", "batch job id")
	watch := fs.Bool("watch", false, "keep polling until the job reaches a terminal state")
	fs.Parse(args)
	if *jobID == "" {
		return emitProblem(core.ConfigProblem("-job is required"))
	}

	mgr, err := openManager(env, nil)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	env.cleanup.Push("job index", func(context.Context) error { return mgr.Close() })

	var status providers.BatchStatus
	if *watch {
		status, err = mgr.Watch(env.ctx, *jobID)
	} else {
		status, _, err = mgr.Poll(env.ctx, *jobID)
	}
	if err != nil {
		return exitFor(env.ctx, err)
	}
	printStatus(*jobID, status)
	return core.ExitCodeSuccess
}

func cmdFetch(env *cliEnv, args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	jobID := fs.String("job", "", "batch job id")
	outDir := fs.String("out", env.cfg.OutDir, "output directory for generated images")
	packPath := fs.String("pack", "", "reference pack for the output similarity check")
	fs.Parse(args)
	if *jobID == "" {
		return emitProblem(core.ConfigProblem("-job is required"))
	}

	var pack *refpack.Pack
	if *packPath != "" {
		var err error
		pack, err = refpack.Load(*packPath)
		if err != nil {
			return exitFor(env.ctx, err)
		}
	}
	mgr, err := openManager(env, pack)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	env.cleanup.Push("job index", func(context.Context) error { return mgr.Close() })

	report, err := mgr.Fetch(env.ctx, *jobID, *outDir)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	printFetchReport(report)
	if report.Succeeded() == 0 && report.Failed() > 0 {
		return emitProblem(report.Problems[0])
	}
	return core.ExitCodeSuccess
}

func cmdCancel(env *cliEnv, args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	jobID := fs.String("job", "", "batch job id")
	fs.Parse(args)
	if *jobID == "" {
		return emitProblem(core.ConfigProblem("-job is required"))
	}

	mgr, err := openManager(env, nil)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	env.cleanup.Push("job index", func(context.Context) error { return mgr.Close() })

	disposition, err := mgr.Cancel(env.ctx, *jobID)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	fmt.Printf("%s: %s\n", *jobID, disposition)
	return core.ExitCodeSuccess
}

func cmdResume(env *cliEnv, args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	jobID := fs.String("job", "", "batch job id")
	outDir := fs.String("out", env.cfg.OutDir, "output directory for generated images")
	packPath := fs.String("pack", "", "reference pack for the output similarity check")
	fs.Parse(args)
	if *jobID == "" {
		return emitProblem(core.ConfigProblem("-job is required"))
	}

	var pack *refpack.Pack
	if *packPath != "" {
		var err error
		pack, err = refpack.Load(*packPath)
		if err != nil {
			return exitFor(env.ctx, err)
		}
	}
	mgr, err := openManager(env, pack)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	env.cleanup.Push("job index", func(context.Context) error { return mgr.Close() })

	report, status, err := mgr.Resume(env.ctx, *jobID, *outDir)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	printStatus(*jobID, status)
	if report != nil {
		printFetchReport(report)
	}
	if !status.State.Terminal() {
		fmt.Printf("still in progress; follow with: nn poll -job %s -watch\n", *jobID)
		return core.ExitCodeSuccess
	}
	if status.State != core.JobSucceeded {
		return core.ExitCodeError
	}
	return core.ExitCodeSuccess
}

func cmdProbe(env *cliEnv, args []string) int {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	fs.Parse(args)

	prober, err := providers.NewVertexProvider(env.ctx, env.cfg, env.log)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	snap, err := providers.Sweep(env.ctx, prober, []string{env.cfg.SyncModel},
		env.cfg, env.cfg.ProbeCachePath(), env.log)
	if err != nil {
		return exitFor(env.ctx, err)
	}

	for _, row := range snap.Results {
		clr := color.New(color.FgGreen)
		if row.Status != providers.HealthHealthy {
			clr = color.New(color.FgRed)
		}
		clr.Printf("%-40s %s (http %d)\n", row.Model, row.Status, row.HTTP)
	}
	return core.ExitCodeSuccess
}

func cmdJobs(env *cliEnv, args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print machine-readable JSON")
	fs.Parse(args)

	index, err := batchjob.OpenIndex(env.cfg.IndexPath())
	if err != nil {
		return exitFor(env.ctx, err)
	}
	env.cleanup.Push("job index", func(context.Context) error { return index.Close() })

	jobs, err := index.List(env.ctx)
	if err != nil {
		return exitFor(env.ctx, err)
	}
	if *asJSON {
		out, err := json.MarshalIndent(jobs, "", "  ")
		if err != nil {
			return exitFor(env.ctx, err)
		}
		fmt.Println(string(out))
		return core.ExitCodeSuccess
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tPROVIDER\tSTATUS\tPROGRESS\tSUBMITTED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			j.JobID, j.Provider, j.Status, j.Completed, j.Total,
			j.SubmittedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return core.ExitCodeSuccess
}

// openManager builds the batch manager against the configured backend, with
// the style guard when a pack is supplied.
func openManager(env *cliEnv, pack *refpack.Pack) (*batchjob.Manager, error) {
	backend, err := providers.NewOpenAIBatchProvider(env.cfg, env.log)
	if err != nil {
		return nil, err
	}
	var guard *styleguard.Guard
	if pack != nil && len(pack.StylePaths()) > 0 {
		guard = styleguard.NewFromPaths(pack.StylePaths(), env.cfg.StyleGuardMaxDistance, env.log)
	}
	return batchjob.OpenManager(backend, guard, env.cfg, env.log)
}

func printEstimate(est *orchestrator.Estimate) {
	fmt.Printf("images:      %d\n", est.Count)
	fmt.Printf("est cost:    $%.2f\n", est.EstCost)
	fmt.Printf("est time:    %s\n", est.EstDuration)
	fmt.Printf("chunks:      %d\n", est.Chunks)
	fmt.Printf("unique refs: %d\n", est.UniqueRefs)
}

func printStatus(jobID string, status providers.BatchStatus) {
	clr := color.New(color.FgYellow)
	switch status.State {
	case core.JobSucceeded:
		clr = color.New(color.FgGreen)
	case core.JobFailed, core.JobCanceled:
		clr = color.New(color.FgRed)
	}
	clr.Printf("%s: %s", jobID, status.State)
	if status.Total > 0 {
		fmt.Printf(" (%d/%d)", status.Completed, status.Total)
	}
	fmt.Println()
}

func printRunResult(result *orchestrator.RunResult) {
	if result.JobID != "" {
		color.New(color.FgGreen).Printf("submitted %s\n", result.JobID)
		fmt.Printf("poll with: nn poll -job %s\n", result.JobID)
		return
	}
	color.New(color.FgGreen).Printf("written: %d\n", len(result.Written))
	if len(result.Problems) > 0 {
		color.New(color.FgRed).Printf("failed:  %d\n", len(result.Problems))
		for _, p := range result.Problems {
			fmt.Printf("  - %s\n", p.Detail)
		}
	}
	if result.Metrics.Total > 0 {
		fmt.Printf("est cost: $%.2f\n", result.Metrics.EstCost)
	}
}

func printFetchReport(report *batchjob.FetchReport) {
	color.New(color.FgGreen).Printf("written: %d\n", report.Succeeded())
	if report.Failed() > 0 {
		color.New(color.FgRed).Printf("failed:  %d\n", report.Failed())
		for _, p := range report.Problems {
			fmt.Printf("  - %s\n", p.Detail)
		}
	}
}
