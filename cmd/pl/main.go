package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planline/internal/app"
	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planline CLI",
	Long: `Planline keeps the planning phase of a project honest before any code is built.
Core concepts:
- Plan: one record per project with a goal, requirement sections and modules. It moves drafting -> reviewing -> approved.
- Requirement sections: pending -> in-progress -> complete, one step at a time.
- Modules: units of work with acceptance criteria, a priority and dependencies ("module" or "module:kind").
- Exit criteria: requirements document present, every section complete, at least one module, every module with acceptance criteria.
- Dependency analysis: cycles spanning two bounded contexts block approval; others are advisories with a suggested fix.
- Approval: opens one issue per module and creates the orchestration record.
- Handoffs: agent messages that must be acknowledged within 30s, are resent once, then escalated.
- Event log: every change, view with 'pl log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps engine errors onto the documented process exit codes.
func exitCode(err error) int {
	switch engine.Code(err) {
	case "ok":
		return 0
	case "not_found":
		return 2
	case "concurrent_modification":
		return 3
	}
	return 1
}

func initConfig() {
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory (project root)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in events")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides planline.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides planline.yml)")
	rootCmd.PersistentFlags().Int64("if-version", 0, "fail with exit code 3 unless the plan is still at this version")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("if-version", rootCmd.PersistentFlags().Lookup("if-version"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startPlanningCmd())
	rootCmd.AddCommand(addRequirementCmd())
	rootCmd.AddCommand(modifyRequirementCmd())
	rootCmd.AddCommand(removeRequirementCmd())
	rootCmd.AddCommand(resetSectionCmd())
	rootCmd.AddCommand(setGoalCmd())
	rootCmd.AddCommand(submitPlanCmd())
	rootCmd.AddCommand(planningStatusCmd())
	rootCmd.AddCommand(analyzeDepsCmd())
	rootCmd.AddCommand(approvePlanCmd())
	rootCmd.AddCommand(retryIssueCmd())
	rootCmd.AddCommand(resetPlanCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [project-id]",
		Short: "Write planline.yml for this workspace",
		Long:  "Creates planline.yml with the default sections, tracker and handoff settings. The project id defaults to the workspace directory name.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			projectID := viper.GetString("project")
			if len(args) == 1 {
				projectID = args[0]
			}
			if strings.TrimSpace(projectID) == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				projectID = filepath.Base(abs)
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			content := config.GenerateDefault(projectID)
			if _, err := config.FromYAML([]byte(content)); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"project_id": projectID, "config": path})
			}
			fmt.Printf("Wrote %s for project %s\n", path, projectID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing planline.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate planline.yml",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printJSON(rt.Config)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate planline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Repo.LatestEvents(ctx, n, rt.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				printEvents(events)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (plan, section, module, orchestration)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func runtimeOptions() app.Options {
	return app.Options{
		Workspace: viper.GetString("workspace"),
		Project:   viper.GetString("project"),
		Actor:     viper.GetString("actor-id"),
		LogLevel:  viper.GetString("log-level"),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.Engine.ExpectedVersion = viper.GetInt64("if-version")
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, engine.Project) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine, rt.Project)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult prints a mutation result with its warnings.
func printResult(res engine.Result, summary string) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Println(summary)
	for _, w := range res.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	return nil
}

func printEvents(events []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
	for _, e := range events {
		entity := e.EntityKind
		if e.EntityID != "" {
			entity += ":" + e.EntityID
		}
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, entity, e.ActorID})
	}
	tw.Render()
}

func optionalString(cmd *cobra.Command, flag string, v string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &v
}

var errNothingToChange = errors.New("nothing to change; pass at least one flag")
