package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coverline/internal/app"
	"coverline/internal/config"
	"coverline/internal/db"
	"coverline/internal/engine"
	"coverline/internal/events"
	"coverline/internal/logging"
	"coverline/internal/migrate"
	"coverline/internal/observability"
	"coverline/internal/repo"
)

var (
	logger        = logging.Discard()
	traceShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Coverline CLI",
	Long: `Coverline schedules a fleet of interchangeable units over coverage domains
so that no domain goes uncovered for longer than its deadline.
- Mission: units, domains, per-domain requirements and max gap, rotation and battery parameters.
- Feasibility: aggregate supply (alive units x capacity) against demand; exit code 2 when infeasible.
- Run: tick-by-tick simulation; the change-only assignment timeline is stored in the workspace.
- Sweep: permanently fault the first N units and rerun, N = 0..Fmax.
- Gate: validate and sweep a set of mission files, writing fault_sweep_summary.json.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := readToolConfig(); err != nil {
			return err
		}
		l, err := logging.New(viper.GetString("log.level"), viper.GetString("log.format"))
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)
		shutdown, err := observability.InitTracing(cmd.Context(), observability.TracingConfig{
			Enabled:  viper.GetBool("trace.enabled"),
			Exporter: viper.GetString("trace.exporter"),
		}, l)
		if err != nil {
			return err
		}
		traceShutdown = shutdown
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		observability.ShutdownWithTimeout(context.Background(), traceShutdown, logger)
		return nil
	},
}

// exitError carries a process exit code alongside the message.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(code)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COVERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("serve.addr", "127.0.0.1:8080")
	viper.SetDefault("serve.base_path", "/v0")
	viper.SetDefault("sweep.fmax", -1)
	viper.SetDefault("run.sample_every", 10)
	viper.SetDefault("run.flush_every", 50)
	viper.SetDefault("trace.exporter", "stdout")
}

// readToolConfig merges coverline.yaml (or --config) into viper when present.
func readToolConfig() error {
	path := viper.GetString("config")
	if path == "" {
		path = filepath.Join(viper.GetString("workspace"), "coverline.yaml")
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	viper.SetConfigFile(path)
	if err := viper.MergeInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.String("config", "", "tool config file (default <workspace>/coverline.yaml)")
	pf.Bool("json", false, "output JSON")
	pf.String("log-level", "info", "log level: debug|info|warn|error")
	pf.String("log-format", "text", "log format: text|json")
	pf.Bool("trace", false, "export run and sweep spans to stderr")
	_ = viper.BindPFlag("workspace", pf.Lookup("workspace"))
	_ = viper.BindPFlag("config", pf.Lookup("config"))
	_ = viper.BindPFlag("json", pf.Lookup("json"))
	_ = viper.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", pf.Lookup("log-format"))
	_ = viper.BindPFlag("trace.enabled", pf.Lookup("trace"))
}

func registerCommands() {
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func checkCmd() *cobra.Command {
	var faulted int
	cmd := &cobra.Command{
		Use:   "check <mission>",
		Short: "Check structural feasibility of a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m, err := app.ResolveMission(ctx, r, args[0])
				if err != nil {
					return err
				}
				res := engine.CheckMission(m, faulted)
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					tw := newTable()
					tw.AppendHeader(table.Row{"Mission", "Feasible", "Alive", "Supply", "Demand", "Fmax", "Reason"})
					tw.AppendRow(table.Row{m.Name, res.Feasible, res.AliveUnits, res.Supply, res.Demand, res.Fmax, res.Reason})
					tw.Render()
				}
				if !res.Feasible {
					return &exitError{code: 2, msg: res.Reason}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&faulted, "faulted", 0, "units assumed permanently faulted")
	return cmd
}

func runCmd() *cobra.Command {
	var ticks int
	var faults []string
	cmd := &cobra.Command{
		Use:   "run <mission>",
		Short: "Run a mission and store its change-only timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), func(ctx context.Context, rn *app.Runner) error {
				m, err := app.ResolveMission(ctx, rn.Repo, args[0])
				if err != nil {
					return err
				}
				var evs []engine.FaultEvent
				for _, raw := range faults {
					f, err := parseFault(raw)
					if err != nil {
						return err
					}
					evs = append(evs, f)
				}
				out, err := rn.RunMission(ctx, m, app.RunOptions{Ticks: ticks, Faults: evs})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(out); err != nil {
						return err
					}
				} else {
					printRunOutcome(out)
				}
				switch out.Run.Status {
				case string(app.StatusInfeasible):
					return &exitError{code: 2, msg: out.Feasibility.Reason}
				case string(engine.RunFailed):
					msg := "deadline violated"
					if v := out.Result.Violation; v != nil {
						msg += ": " + v.String()
					}
					return &exitError{code: 1, msg: msg}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&ticks, "ticks", 0, "ticks to run (default: mission window)")
	cmd.Flags().StringArrayVar(&faults, "fault", nil, "fault before tick 1: unit[@domain]:permanent|temporary:<ticks> (repeatable)")
	return cmd
}

func sweepCmd() *cobra.Command {
	var probeAll bool
	var ticks int
	cmd := &cobra.Command{
		Use:   "sweep <mission>",
		Short: "Sweep permanent faults over the first N units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), func(ctx context.Context, rn *app.Runner) error {
				m, err := app.ResolveMission(ctx, rn.Repo, args[0])
				if err != nil {
					return err
				}
				_, rep, err := rn.Sweep(ctx, m, engine.SweepOptions{
					Fmax:     viper.GetInt("sweep.fmax"),
					ProbeAll: probeAll,
					Ticks:    ticks,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				printSweep(rep)
				return nil
			})
		},
	}
	cmd.Flags().Int("fmax", -1, "highest fault count to evaluate (-1: unit count)")
	_ = viper.BindPFlag("sweep.fmax", cmd.Flags().Lookup("fmax"))
	cmd.Flags().BoolVar(&probeAll, "probe-all", false, "keep evaluating past the first failing N")
	cmd.Flags().IntVar(&ticks, "ticks", 0, "ticks per level (default: mission window)")
	return cmd
}

func gateCmd() *cobra.Command {
	var globs, outDir string
	var sweep bool
	var ticks int
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Validate and fault-sweep mission files; exit 2 on any failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := app.ExpandGlobs(globs)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no missions match %q", globs)
			}
			rn := &app.Runner{Log: logger}
			rep, err := rn.Gate(cmd.Context(), paths, app.GateOptions{Ticks: ticks, Sweep: sweep})
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			summary := filepath.Join(outDir, "fault_sweep_summary.json")
			b, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(summary, append(b, '\n'), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				if err := printJSON(rep); err != nil {
					return err
				}
			} else {
				tw := newTable()
				tw.AppendHeader(table.Row{"Mission", "Stage", "Error"})
				for _, f := range rep.Failures {
					tw.AppendRow(table.Row{f.Mission, f.Stage, f.Error})
				}
				tw.Render()
				fmt.Printf("%d missions, %d failures, summary at %s\n", len(paths), len(rep.Failures), summary)
			}
			if !rep.Passed() {
				return &exitError{code: 2, msg: fmt.Sprintf("%d mission(s) failed the gate", len(rep.Failures))}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&globs, "glob", "missions/*.yaml", "comma-separated mission file globs")
	cmd.Flags().BoolVar(&sweep, "sweep", true, "sweep N = 0..Fmax (false: N=0 only)")
	cmd.Flags().IntVar(&ticks, "ticks", 0, "ticks per level (default: mission window)")
	cmd.Flags().StringVar(&outDir, "out", ".", "directory for fault_sweep_summary.json")
	return cmd
}

func missionCmd() *cobra.Command {
	mc := &cobra.Command{Use: "mission", Short: "Manage mission definitions"}
	mc.AddCommand(missionInitCmd())
	mc.AddCommand(missionValidateCmd())
	mc.AddCommand(missionUpdateCmd())
	mc.AddCommand(missionAuditCmd())
	mc.AddCommand(missionSaveCmd())
	mc.AddCommand(missionListCmd())
	mc.AddCommand(missionShowCmd())
	mc.AddCommand(missionDeleteCmd())
	return mc
}

func missionInitCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Write a default mission file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = args[0] + ".yaml"
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			if err := os.WriteFile(out, []byte(config.GenerateDefault(args[0])), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default <name>.yaml)")
	return cmd
}

func missionValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate mission files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if _, err := config.Load(path); err != nil {
					failed++
					fmt.Printf("FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Printf("OK   %s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d missions invalid", failed, len(args))
			}
			return nil
		},
	}
}

func missionUpdateCmd() *cobra.Command {
	var tickMS, maxGapMS float64
	cmd := &cobra.Command{
		Use:   "update <path>",
		Short: "Rewrite tick_ms and max_gap_ms in a mission file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.UpdateTiming(args[0], tickMS, maxGapMS)
			if err != nil {
				return err
			}
			fmt.Printf("updated %s: tick_ms=%g max_gap_ms=%g\n", args[0], m.TickMS, m.Constraints.MaxGapMS)
			return nil
		},
	}
	cmd.Flags().Float64Var(&tickMS, "tick-ms", 0, "new tick length in ms")
	cmd.Flags().Float64Var(&maxGapMS, "max-gap-ms", 0, "new max gap in ms")
	_ = cmd.MarkFlagRequired("tick-ms")
	_ = cmd.MarkFlagRequired("max-gap-ms")
	return cmd
}

func missionAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <path>...",
		Short: "Check failure injections against each mission's scenario intent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reports []config.AuditReport
			for _, path := range args {
				m, err := config.LoadRaw(path)
				if err != nil {
					return err
				}
				rep := config.Audit(m)
				rep.Path = path
				reports = append(reports, rep)
			}
			if viper.GetBool("json") {
				return printJSON(reports)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Mission", "Intent", "Pressure", "Injections", "Warnings"})
			for _, rep := range reports {
				tw.AppendRow(table.Row{rep.Path, rep.Intent, fmt.Sprintf("%.2f", rep.CapacityPressure), len(rep.Injections), strings.Join(rep.Warnings, "\n")})
			}
			tw.Render()
			return nil
		},
	}
}

func missionSaveCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "save <path>",
		Short: "Store a mission file in the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m, err := config.LoadRaw(args[0])
				if err != nil {
					return err
				}
				if name != "" {
					m.Name = name
				}
				rec, err := app.SaveMission(ctx, r, events.Writer{DB: r.DB}, m, time.Now())
				if err != nil {
					return err
				}
				fmt.Printf("saved mission %s\n", rec.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "store under this name (default: mission name)")
	return cmd
}

func missionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				recs, err := r.ListMissions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Scenario", "Updated"})
				for _, rec := range recs {
					tw.AppendRow(table.Row{rec.Name, rec.Scenario, rec.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a stored mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec, err := r.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Print(rec.YAML)
				return nil
			})
		},
	}
}

func missionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteMission(ctx, args[0])
			})
		},
	}
}

func runsCmd() *cobra.Command {
	rc := &cobra.Command{Use: "runs", Short: "Inspect stored runs"}
	rc.AddCommand(runsListCmd())
	rc.AddCommand(runsShowCmd())
	rc.AddCommand(runsTimelineCmd())
	rc.AddCommand(runsBatteryCmd())
	rc.AddCommand(runsEventsCmd())
	return rc
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Mission", "Status", "Ticks", "Violation", "Started"})
				for _, run := range runs {
					violation := ""
					if run.ViolationDomain != nil && run.ViolationTick != nil {
						violation = fmt.Sprintf("%s@%d", *run.ViolationDomain, *run.ViolationTick)
					}
					tw.AppendRow(table.Row{run.ID, run.Mission, run.Status, run.Ticks, violation, run.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Mission, "mission", "", "mission filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
}

func runsTimelineCmd() *cobra.Command {
	var f repo.TimelineFilters
	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Print the change-only assignment timeline of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.RunID = args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rows, err := r.ListTimeline(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Tick", "Time (ms)", "Domain", "Units"})
				for _, row := range rows {
					tw.AppendRow(table.Row{row.Tick, row.TimeMS, row.Domain, row.Units})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Domain, "domain", "", "domain filter")
	cmd.Flags().IntVar(&f.FromTick, "from", 0, "first tick")
	cmd.Flags().IntVar(&f.ToTick, "to", 0, "last tick")
	return cmd
}

func runsBatteryCmd() *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "battery <id>",
		Short: "Print battery samples of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				samples, err := r.ListBatterySamples(ctx, args[0], unit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(samples)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Tick", "Unit", "Mode", "Battery"})
				for _, s := range samples {
					tw.AppendRow(table.Row{s.Tick, s.Unit, s.Mode, fmt.Sprintf("%.1f", s.Battery)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "unit filter")
	return cmd
}

func runsEventsCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "List events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tailEvents(cmd.Context(), repo.EventFilters{Type: evtType, EntityKind: "run", EntityID: args[0], Limit: n})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func logCmd() *cobra.Command {
	lc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lc.AddCommand(logTailCmd())
	return lc
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tailEvents(cmd.Context(), f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func tailEvents(ctx context.Context, f repo.EventFilters) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		evs, err := r.LatestEvents(ctx, f)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(evs)
		}
		tw := newTable()
		tw.AppendHeader(table.Row{"ID", "Type", "Entity", "Tick", "Detail"})
		for _, e := range evs {
			tw.AppendRow(table.Row{e.ID, e.Type, e.EntityKind + "/" + e.EntityID, e.Tick, e.Detail})
		}
		tw.Render()
		return nil
	})
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withRunner(ctx context.Context, fn func(context.Context, *app.Runner) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		return fn(ctx, newRunner(r))
	})
}

func newRunner(r repo.Repo) *app.Runner {
	return &app.Runner{
		Repo:        r,
		Events:      events.Writer{DB: r.DB},
		Log:         logger,
		SampleEvery: viper.GetInt("run.sample_every"),
		FlushEvery:  viper.GetInt("run.flush_every"),
	}
}

// parseFault reads unit[@domain]:kind[:ticks].
func parseFault(raw string) (engine.FaultEvent, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return engine.FaultEvent{}, fmt.Errorf("invalid fault %q (want unit[@domain]:kind[:ticks])", raw)
	}
	f := engine.FaultEvent{Unit: parts[0], Kind: engine.FaultKind(parts[1])}
	if unit, dom, ok := strings.Cut(parts[0], "@"); ok {
		f.Unit, f.Domain = unit, dom
	}
	if len(parts) == 3 {
		if _, err := fmt.Sscanf(parts[2], "%d", &f.DurationTicks); err != nil {
			return engine.FaultEvent{}, fmt.Errorf("invalid fault duration %q", parts[2])
		}
	}
	return f, f.Validate()
}

func printRunOutcome(out app.RunOutcome) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Run", "Mission", "Status", "Ticks", "Gap ticks", "Multi-role ticks", "Violation"})
	violation := ""
	if out.Result.Violation != nil {
		violation = out.Result.Violation.String()
	} else if out.Run.Status == string(app.StatusInfeasible) {
		violation = out.Feasibility.Reason
	}
	s := out.Result.Summary
	tw.AppendRow(table.Row{out.Run.ID, out.Run.Mission, out.Run.Status, out.Result.Ticks, s.TotalGapTicks, s.MultiRoleTicks, violation})
	tw.Render()
}

func printSweep(rep engine.SweepReport) {
	tw := newTable()
	tw.AppendHeader(table.Row{"N", "Faulted", "Feasible", "Passed", "Cause", "Violation"})
	for _, lvl := range rep.Levels {
		violation := ""
		if lvl.Violation != nil {
			violation = lvl.Violation.String()
		}
		tw.AppendRow(table.Row{lvl.N, strings.Join(lvl.Faulted, ","), lvl.Feasibility.Feasible, lvl.Passed, lvl.Cause, violation})
	}
	tw.Render()
	if rep.FirstFailing != nil {
		fmt.Printf("first failing N=%d (fmax=%d)\n", *rep.FirstFailing, rep.Fmax)
		return
	}
	fmt.Printf("all levels passed (fmax=%d)\n", rep.Fmax)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
