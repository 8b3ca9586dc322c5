package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/salesflow/pkg/api"
	"github.com/zen-systems/salesflow/pkg/config"
	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/ledger"
	"github.com/zen-systems/salesflow/pkg/pipeline"
	"github.com/zen-systems/salesflow/pkg/research"
	"github.com/zen-systems/salesflow/pkg/weekly"
)

var configFile string

func main() {
	log.SetPrefix("[salesflow] ")
	log.SetFlags(log.LstdFlags)

	rootCmd := &cobra.Command{
		Use:   "salesflow",
		Short: "Daily lead scoring, briefs and alerts for sales teams",
		Long: `Salesflow runs the daily sales pipeline: it scores leads with a reasoning
	model, finds stale leads and activity anomalies, writes each rep a morning
	brief and delivers briefs and critical alerts over their channels. It also
	researches single leads on demand and writes the weekly sales report.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ~/.salesflow/config.yaml)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(researchCmd())
	rootCmd.AddCommand(weeklyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(runsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

func runCmd() *cobra.Command {
	var opts runOptions
	var trigger string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the daily pipeline once",
		Long: `Executes the daily pipeline and waits for it to finish.

	Use --mock to answer every model call offline, and --dry-run to print
	messages instead of sending them. A failed run still delivers the last
	good briefs, marked stale, and exits non-zero.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			e, err := a.newEngine(ctx, opts, daily.RequiredTaskTypes...)
			if err != nil {
				return err
			}
			runner, err := a.dailyRunner(e)
			if err != nil {
				return err
			}
			res, err := runner.Run(ctx, trigger)
			if err != nil {
				return err
			}

			return printRun(res.Run, res.SpentUSD, res.EvidenceDir, res.Notes)
		},
	}

	cmd.Flags().BoolVar(&opts.mock, "mock", false, "answer model calls with the offline mock responder")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print messages instead of sending them")
	cmd.Flags().StringVar(&trigger, "trigger", "cli", "trigger recorded with the run")
	return cmd
}

// printRun prints the run summary and fails when the run failed.
func printRun(run *pipeline.Run, spent float64, evidenceDir string, notes []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "RUN\t%s\n", run.ID)
	fmt.Fprintf(w, "STATUS\t%s\n", run.Status)
	fmt.Fprintf(w, "DURATION\t%s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "SPENT\t$%.4f\n", spent)
	if evidenceDir != "" {
		fmt.Fprintf(w, "EVIDENCE\t%s\n", evidenceDir)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "STAGE\tSTATUS\tDETAIL")
	for _, s := range run.Stages {
		detail := s.SkipReason
		if len(s.Errors) > 0 {
			detail = strings.Join(s.Errors, "; ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Status, detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, n := range notes {
		fmt.Println("note:", n)
	}
	if run.Status == pipeline.RunFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}

func researchCmd() *cobra.Command {
	var opts runOptions
	var trigger, requestedBy string

	cmd := &cobra.Command{
		Use:   "research [lead-id]",
		Short: "Research one lead and write a closing strategy",
		Long: `Researches the lead's company, reads its CRM history, finds similar won
	deals and writes a closing strategy. The research is saved under the
	results directory, replacing any earlier research for the lead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			e, err := a.newEngine(ctx, opts, research.RequiredTaskTypes...)
			if err != nil {
				return err
			}
			runner, err := a.researchRunner(e)
			if err != nil {
				return err
			}
			res, err := runner.Run(ctx, args[0], requestedBy, trigger)
			if err != nil {
				return err
			}
			if research.LeadNotFound(res.Run) {
				return fmt.Errorf("lead %s not found", args[0])
			}
			if res.Research != nil {
				fmt.Printf("%s\n\n", res.Research.Strategy.Text())
				for _, msg := range res.Research.Errors {
					fmt.Println("warning:", msg)
				}
			}
			return printRun(res.Run, res.SpentUSD, res.EvidenceDir, res.Notes)
		},
	}

	cmd.Flags().BoolVar(&opts.mock, "mock", false, "answer model calls with the offline mock responder")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "user recorded as requesting the research")
	cmd.Flags().StringVar(&trigger, "trigger", "cli", "trigger recorded with the run")
	return cmd
}

func weeklyCmd() *cobra.Command {
	var opts runOptions
	var trigger string

	cmd := &cobra.Command{
		Use:   "weekly",
		Short: "Write and send this week's sales report",
		Long: `Gathers the week's pipeline, team and source metrics, writes the weekly
	report and sends it to the report recipients, or to every rep's manager
	when none are configured. A rerun in the same week replaces the report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			e, err := a.newEngine(ctx, opts, weekly.RequiredTaskTypes...)
			if err != nil {
				return err
			}
			runner, err := a.weeklyRunner(e)
			if err != nil {
				return err
			}
			res, err := runner.Run(ctx, trigger)
			if err != nil {
				return err
			}
			if res.Report != nil && res.Report.Fallback {
				fmt.Println("note: report written from figures only")
			}
			return printRun(res.Run, res.SpentUSD, res.EvidenceDir, res.Notes)
		},
	}

	cmd.Flags().BoolVar(&opts.mock, "mock", false, "answer model calls with the offline mock responder")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print messages instead of sending them")
	cmd.Flags().StringVar(&trigger, "trigger", "cli", "trigger recorded with the run")
	return cmd
}

func serveCmd() *cobra.Command {
	var opts runOptions
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run trigger and audit endpoints over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			e, err := a.newEngine(ctx, opts, allTaskTypes()...)
			if err != nil {
				return err
			}
			runner, err := a.dailyRunner(e)
			if err != nil {
				return err
			}
			researcher, err := a.researchRunner(e)
			if err != nil {
				return err
			}
			reporter, err := a.weeklyRunner(e)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			srv := &api.Server{
				Runner:     runner,
				Research:   researcher,
				Weekly:     reporter,
				Runs:       a.runs,
				Usage:      a.ledger,
				Deliveries: a.deliveries,
				Logger:     log.Printf,
			}
			server := &http.Server{
				Addr:        addr,
				Handler:     srv.Handler(),
				ReadTimeout: 15 * time.Second,
				IdleTimeout: 60 * time.Second,
			}

			serverErrors := make(chan error, 1)
			go func() {
				log.Printf("listening on %s", addr)
				serverErrors <- server.ListenAndServe()
			}()

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-serverErrors:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case sig := <-shutdown:
				log.Printf("shutdown signal received: %v", sig)
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					log.Printf("server shutdown: %v", err)
					return server.Close()
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&opts.mock, "mock", false, "answer model calls with the offline mock responder")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print messages instead of sending them")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [glob...]",
		Short: "Validate model tables and pipeline manifests",
		Long: `Validates model tables and pipeline manifests without executing anything.
	Arguments are glob patterns (** is supported). Files with a task_types key
	are checked as model tables, everything else as pipeline manifests. With no
	arguments the configured model table and the built-in pipelines are
	checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cfg, err := loadConfig()
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				if err := checkDefaults(cfg); err != nil {
					return err
				}
				fmt.Println("Model table and pipelines are valid.")
				return nil
			}
			results, err := validatePatterns(args)
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Printf("FAIL  %s (%s)\n      %s\n", r.Path, r.Kind, strings.ReplaceAll(r.Err.Error(), "\n", "\n      "))
					continue
				}
				fmt.Printf("ok    %s (%s)\n", r.Path, r.Kind)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d file(s) invalid", failed, len(results))
			}
			return nil
		},
	}
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show the task type to model mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			table := cfg.ModelTable

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK TYPE\tPRIMARY\tFALLBACK\tTIMEOUT\tAVAILABLE")
			for _, name := range table.TaskNames() {
				route, _ := table.Route(name)
				fallback := "-"
				if route.Fallback != nil {
					fallback = route.Fallback.String()
				}
				var available []string
				for _, e := range route.Chain() {
					if cfg.HasAdapter(e.Adapter) || e.Adapter == "mock" {
						available = append(available, e.Adapter)
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, route.Primary, fallback, route.Timeout, formatList(available))
			}
			return w.Flush()
		},
	}
}

func usageCmd() *cobra.Command {
	var since, until, taskType, runID, entityID string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarise model usage and cost by task type",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sinceT, err := api.ParseTime(since)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			untilT, err := api.ParseTime(until)
			if err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			records, err := a.ledger.Query(ctx, ledger.Filter{
				TaskType: taskType, RunID: runID, EntityID: entityID, Since: sinceT, Until: untilT,
			})
			if err != nil {
				return err
			}
			byTask := map[string]*ledger.Totals{}
			var total ledger.Totals
			for _, rec := range records {
				t, ok := byTask[rec.TaskType]
				if !ok {
					t = &ledger.Totals{}
					byTask[rec.TaskType] = t
				}
				t.Add(rec)
				total.Add(rec)
			}
			names := make([]string, 0, len(byTask))
			for name := range byTask {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK TYPE\tCALLS\tOK\tFAILED\tTRANSIENT\tIN TOKENS\tOUT TOKENS\tCOST USD")
			row := func(name string, t ledger.Totals) {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%.4f\n", name, t.Records, t.Successes, t.Failures, t.Transient, t.InputTokens, t.OutputTokens, t.CostUSD)
			}
			for _, name := range names {
				row(name, *byTask[name])
			}
			fmt.Fprintln(w)
			row("TOTAL", total)
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "start of window (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "end of window, exclusive")
	cmd.Flags().StringVar(&taskType, "task-type", "", "only this task type")
	cmd.Flags().StringVar(&runID, "run", "", "only this run id")
	cmd.Flags().StringVar(&entityID, "entity", "", "only this entity id")
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}

	var since string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sinceT, err := api.ParseTime(since)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			runs, err := a.runs.ListRuns(ctx, sinceT, time.Time{})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tPIPELINE\tSTATUS\tSTARTED\tDURATION\tTRIGGER")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.PipelineID, r.Status,
					r.StartedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), r.Trigger)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&since, "since", "", "only runs started at or after (RFC 3339 or YYYY-MM-DD)")

	showCmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show one run and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			b, err := a.runs.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "RUN\t%s\n", b.Run.ID)
			fmt.Fprintf(w, "STATUS\t%s\n", b.Run.Status)
			fmt.Fprintf(w, "STARTED\t%s\n", b.Run.StartedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "FINISHED\t%s\n", b.Run.FinishedAt.Format(time.RFC3339))
			if b.Run.TimedOut {
				fmt.Fprintf(w, "TIMED OUT\tdeadline %s\n", b.Run.Deadline.Format(time.RFC3339))
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "STAGE\tSTATUS\tMS\tDETAIL")
			for _, s := range b.Stages {
				detail := s.SkipReason
				if len(s.Errors) > 0 {
					detail = strings.Join(s.Errors, "; ")
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, s.Status, s.DurationMillis, detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, n := range b.Run.Notes {
				fmt.Println("note:", n)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
