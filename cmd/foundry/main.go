package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"foundry/internal/app"
	"foundry/internal/config"
	"foundry/internal/delegation"
	"foundry/internal/domain"
	"foundry/internal/machine"
	"foundry/internal/orchestrator"
	"foundry/internal/server"
	"foundry/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "foundry",
	Short: "Foundry CLI",
	Long: `Foundry drives a software project through a phase lifecycle.
- Phases: idle, discovery, architecture, security foundation, the feature loop, hardening, gates and release.
- Events move a project between phases; only transitions the lifecycle defines are accepted.
- Evidence and gate results are recorded against the current phase.
- Delegated tasks are handed to role agents with priorities, dependencies and retries.
- Every transition is logged and the project resumes where it left off.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FOUNDRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/foundry.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(interpretCmd())
	rootCmd.AddCommand(transitionsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [project-id]",
		Short: "Write a default foundry.yml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := app.DefaultProjectID
			if len(args) == 1 {
				projectID = args[0]
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s for project %s\n", path, projectID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current phase, monitors and delegation counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				snap := o.Snapshot(ctx)
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Project:  %s\n", snap.ProjectID)
				fmt.Printf("Phase:    %s", snap.Phase)
				if snap.Terminal {
					fmt.Print(" (terminal)")
				}
				fmt.Println()
				if snap.Description != "" {
					fmt.Printf("          %s\n", snap.Description)
				}
				if len(snap.EntryActions) > 0 {
					fmt.Printf("Entry:    %s\n", strings.Join(snap.EntryActions, ", "))
				}
				if len(snap.ExitCriteria) > 0 {
					fmt.Printf("Exit:     %s\n", strings.Join(snap.ExitCriteria, ", "))
				}
				if snap.Context != nil {
					fmt.Printf("Features: %d planned, %d remediation rounds\n", snap.Context.PhaseIteration, snap.Context.RemediationIteration)
					if gates := snap.Context.LastGateResults; len(gates) > 0 {
						parts := make([]string, 0, len(gates))
						for _, id := range sortedKeys(gates) {
							parts = append(parts, id+"="+string(gates[id]))
						}
						fmt.Printf("Gates:    %s\n", strings.Join(parts, ", "))
					}
				}
				d := snap.Delegation
				fmt.Printf("Tasks:    %d pending, %d in progress, %d completed, %d failed\n", d.Pending, d.InProgress, d.Completed, d.Failed)

				tw := newTable()
				tw.AppendHeader(table.Row{"Monitor", "Status", "Last Check", "Last Event"})
				for _, typ := range domain.ParallelStateTypes() {
					s := snap.ParallelStates[typ]
					tw.AppendRow(table.Row{typ, s.Status, s.LastCheck.Format(time.RFC3339), s.Metrics["last_event"]})
				}
				tw.Render()
				return printTransitions(snap.AvailableTransitions)
			})
		},
	}
}

func dispatchCmd() *cobra.Command {
	var evidence []string
	cmd := &cobra.Command{
		Use:   "dispatch EVENT",
		Short: "Dispatch a lifecycle event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			event := domain.Event(strings.ToUpper(args[0]))
			if !event.Valid() {
				return fmt.Errorf("unknown event %s", args[0])
			}
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				payload := machine.Payload{machine.PayloadActor: viper.GetString("actor-id")}
				if len(evidence) > 0 {
					payload[machine.PayloadEvidenceIDs] = evidence
				}
				res, err := o.Dispatch(ctx, event, payload)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s\n", res.Record.Event, res.Record.From, res.Record.To)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&evidence, "evidence", nil, "evidence ids supporting the transition")
	return cmd
}

func interpretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interpret TEXT...",
		Short: "Interpret a request and dispatch the matching event",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				out, err := o.Interpret(ctx, strings.Join(args, " "), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				switch out.Status {
				case orchestrator.OutcomeDispatched:
					fmt.Printf("%s -> %s: %s -> %s\n", out.Action, out.Event, out.Result.Record.From, out.Result.Record.To)
				case orchestrator.OutcomeNoIntent:
					fmt.Println(out.Clarification)
				default:
					fmt.Printf("%s: %s\n", out.Action, out.Status)
				}
				return nil
			})
		},
	}
}

func transitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions",
		Short: "List events accepted from the current phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				items := o.AvailableTransitions()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				return printTransitions(items)
			})
		},
	}
}

func printTransitions(items []machine.AvailableTransition) error {
	tw := newTable()
	tw.AppendHeader(table.Row{"Event", "Target", "Description"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.Event, t.Target, t.Description})
	}
	tw.Render()
	return nil
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the transition log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				items := o.History()
				if limit > 0 && len(items) > limit {
					items = items[len(items)-limit:]
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Event", "From", "To", "Actor", "Evidence"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.Timestamp.Format(time.RFC3339), r.Event, r.From, r.To, r.Actor, strings.Join(r.EvidenceIDs, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "show only the last N transitions")
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{Use: "evidence", Short: "Record and list evidence"}
	ev.AddCommand(evidenceAddCmd())
	ev.AddCommand(evidenceListCmd())
	return ev
}

func evidenceAddCmd() *cobra.Command {
	var in domain.Evidence
	var typ, phase string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record evidence for the current phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Type = domain.EvidenceType(typ)
			if !in.Type.Valid() {
				return fmt.Errorf("invalid --type %s", typ)
			}
			in.Phase = domain.Phase(phase)
			if phase != "" && !in.Phase.Valid() {
				return fmt.Errorf("invalid --phase %s", phase)
			}
			in.CreatedBy = viper.GetString("actor-id")
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				saved, err := o.AddEvidence(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("Recorded %s evidence %s (%s)\n", saved.Type, saved.ID, saved.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "evidence name")
	cmd.Flags().StringVar(&typ, "type", string(domain.EvidenceFile), "file, ci_job, test_report, vuln_report, audit_report, config_ref, doc_ref or screenshot")
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to the current one)")
	cmd.Flags().StringVar(&in.Gate, "gate", "", "gate the evidence supports")
	cmd.Flags().StringVar(&in.TaskID, "task", "", "task the evidence supports")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.FilePath, "file", "", "file path")
	cmd.Flags().StringVar(&in.Hash, "hash", "", "content hash")
	cmd.Flags().StringVar(&in.CIJobID, "ci-job", "", "CI job id")
	cmd.Flags().StringVar(&in.CIRunID, "ci-run", "", "CI run id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func evidenceListCmd() *cobra.Command {
	var phase, gate string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List evidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				items := o.Evidence(ctx, store.EvidenceFilter{Phase: domain.Phase(phase), Gate: gate})
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Name", "Phase", "Gate", "By", "Created"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Type, e.Name, e.Phase, e.Gate, e.CreatedBy, e.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&gate, "gate", "", "gate filter")
	return cmd
}

func gateCmd() *cobra.Command {
	g := &cobra.Command{Use: "gate", Short: "Record and list gate evaluations"}
	g.AddCommand(gateRecordCmd())
	g.AddCommand(gateListCmd())
	return g
}

func gateRecordCmd() *cobra.Command {
	var status, phase string
	var evidence []string
	cmd := &cobra.Command{
		Use:   "record GATE",
		Short: "Record a gate evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := domain.GateResult{
				GateID:      args[0],
				Phase:       domain.Phase(phase),
				Status:      domain.GateStatus(status),
				EvidenceIDs: evidence,
			}
			if !res.Status.Valid() {
				return fmt.Errorf("invalid --status %s", status)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !a.Config.KnownGate(res.GateID) {
					return fmt.Errorf("gate %s is not in the catalog", res.GateID)
				}
				if res.Phase == "" {
					res.Phase = a.Config.Gates[res.GateID].Phase
				}
				o, err := a.Project(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				saved, err := o.RecordGateResult(ctx, res)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("Gate %s %s in %s\n", saved.GateID, saved.Status, saved.Phase)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "passed, failed or error")
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to the gate's catalog phase, then the current one)")
	cmd.Flags().StringSliceVar(&evidence, "evidence", nil, "evidence ids")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func gateListCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gate evaluations for a phase, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				p := domain.Phase(phase)
				if p == "" {
					p = o.CurrentPhase()
				}
				items := o.LastGateResults(ctx, p)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Gate", "Status", "Phase", "Checks", "Evidence", "Time"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.GateID, r.Status, r.Phase, len(r.Checks), len(r.EvidenceIDs), r.Timestamp.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to the current one)")
	return cmd
}

func tasksCmd() *cobra.Command {
	t := &cobra.Command{Use: "tasks", Short: "Delegate tasks to role agents"}
	t.AddCommand(tasksRunCmd())
	return t
}

func tasksRunCmd() *cobra.Command {
	var file string
	var workers int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a YAML task plan through simulated role agents",
		Long: `Each task is handled by a simulated agent for its role. The payload can set
duration_ms to simulate work, fail to fail every attempt (retried while the
budget allows) and fail_permanently to fail without retry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := delegation.PlanFromFile(file)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				eng := o.Delegation()
				eng.AddTasks(plan.Tasks...)
				if workers <= 0 {
					workers = plan.Workers
				}
				runner := delegation.Runner{
					Engine:  eng,
					Workers: workers,
					Roles:   plan.Roles,
					Logger:  zap.NewNop(),
				}
				runErr := runner.Run(ctx, simulatedAgent)
				if viper.GetBool("json") {
					if err := printJSON(eng.Tasks()); err != nil {
						return err
					}
					return runErr
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Role", "Priority", "Status", "Attempts", "Error"})
				for _, t := range eng.Tasks() {
					tw.AppendRow(table.Row{t.ID, t.RoleID, t.Priority, t.Status, t.Attempts, t.LastError})
				}
				tw.Render()
				s := eng.Stats()
				fmt.Printf("%d completed, %d failed, %d pending\n", s.Completed, s.Failed, s.Pending)
				return runErr
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "task plan file")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count (defaults to the plan, then max_concurrency)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func simulatedAgent(ctx context.Context, task delegation.Task) error {
	if ms, ok := task.Payload["duration_ms"].(int); ok && ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if v, _ := task.Payload["fail_permanently"].(bool); v {
		return delegation.Permanent(fmt.Errorf("%s agent gave up on %s", task.RoleID, task.ID))
	}
	if v, _ := task.Payload["fail"].(bool); v {
		return fmt.Errorf("%s agent failed %s", task.RoleID, task.ID)
	}
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if addr == "" {
					addr = "127.0.0.1:8080"
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = a.Config.Server.JWTSecret
				}
				if secret == "" && !a.Config.Server.AllowActorHeader {
					return errors.New("FOUNDRY_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Hub:      a.Hub,
					Settings: a.Config,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: a.Config.Server.AllowActorHeader,
					},
					Logger: a.Logger.Named("http"),
				})
				if err != nil {
					return err
				}

				notifyCtx, stopNotify := context.WithCancel(context.Background())
				defer stopNotify()
				if len(a.Config.Server.Webhooks) > 0 {
					n := server.NewWebhookNotifier(a.Config.Server.Webhooks, a.Logger.Named("webhooks"))
					a.Hub.Subscribe(n.Notify)
					go n.Run(notifyCtx)
					defer func() {
						stopNotify()
						<-n.Done()
					}()
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Foundry API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue a bearer token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				if cfg != nil {
					secret = cfg.Server.JWTSecret
				}
			}
			token, err := server.IssueToken(secret, args[0], roles...)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to embed")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withProject(ctx context.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		o, err := a.Project(ctx, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, o)
	})
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

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
