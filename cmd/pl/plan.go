package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planline/internal/app"
	"planline/internal/depgraph"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/handoff"
)

func startPlanningCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-planning <goal>",
		Short: "Create the plan for this project",
		Long:  "Creates the plan in drafting with the default requirement sections from planline.yml. Fails if a plan already exists; use reset-plan to start over.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				plan, err := e.Create(ctx, p, strings.Join(args, " "))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plan)
				}
				fmt.Printf("Created plan %s (%d sections)\n", plan.PlanID, len(plan.Sections))
				return nil
			})
		},
	}
}

func addRequirementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-requirement",
		Short: "Add a requirement section or a module",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "section <name>",
		Short: "Add a pending requirement section",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				name := strings.Join(args, " ")
				res, err := e.AddRequirementSection(ctx, p, name)
				if err != nil {
					return err
				}
				return printResult(res, fmt.Sprintf("Added section %q", name))
			})
		},
	})

	var spec engine.ModuleSpec
	module := &cobra.Command{
		Use:   "module <name>",
		Short: "Add a module",
		Long:  "Adds a planned module. Its id is derived from the name. Dependencies take the form module or module:kind with kind one of uses, event, data, state.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				spec.Name = strings.Join(args, " ")
				res, err := e.AddModule(ctx, p, spec)
				if err != nil {
					return err
				}
				return printResult(res, fmt.Sprintf("Added module %s", domain.ModuleID(spec.Name)))
			})
		},
	}
	module.Flags().StringVar(&spec.AcceptanceCriteria, "criteria", "", "acceptance criteria")
	module.Flags().StringVar(&spec.Priority, "priority", "", "priority (critical, high, medium, low)")
	module.Flags().StringSliceVar(&spec.DependsOn, "depends-on", nil, "dependencies (module or module:kind)")
	module.Flags().StringVar(&spec.Context, "context", "", "bounded context")
	cmd.AddCommand(module)
	return cmd
}

func modifyRequirementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modify-requirement",
		Short: "Change a requirement section or a module",
	}

	var status, rename string
	section := &cobra.Command{
		Use:   "section <name>",
		Short: "Advance or rename a section",
		Long:  "Sections move forward one step at a time: pending -> in-progress -> complete. Use reset-section to go back.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" && rename == "" {
				return errNothingToChange
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				res, err := e.ModifyRequirementSection(ctx, p, args[0], engine.SectionUpdate{Status: status, NewName: rename})
				if err != nil {
					return err
				}
				return printResult(res, fmt.Sprintf("Updated section %q", args[0]))
			})
		},
	}
	section.Flags().StringVar(&status, "status", "", "new status (in-progress, complete)")
	section.Flags().StringVar(&rename, "rename", "", "new section name")
	cmd.AddCommand(section)

	var name, criteria, priority, modStatus, modContext string
	var deps []string
	var force bool
	module := &cobra.Command{
		Use:   "module <id>",
		Short: "Change a module",
		Long:  "Modules that are in progress or complete, or that already have an issue, are locked; --force overrides the lock.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := engine.ModuleUpdate{
				Name:               optionalString(cmd, "name", name),
				AcceptanceCriteria: optionalString(cmd, "criteria", criteria),
				Priority:           optionalString(cmd, "priority", priority),
				Status:             optionalString(cmd, "status", modStatus),
				Context:            optionalString(cmd, "context", modContext),
				Force:              force,
			}
			if cmd.Flags().Changed("depends-on") {
				upd.DependsOn = &deps
			}
			if upd.Name == nil && upd.AcceptanceCriteria == nil && upd.Priority == nil && upd.Status == nil && upd.Context == nil && upd.DependsOn == nil {
				return errNothingToChange
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				res, err := e.ModifyModule(ctx, p, args[0], upd)
				if err != nil {
					return err
				}
				return printResult(res, fmt.Sprintf("Updated module %s", args[0]))
			})
		},
	}
	module.Flags().StringVar(&name, "name", "", "new name (re-derives the id)")
	module.Flags().StringVar(&criteria, "criteria", "", "acceptance criteria")
	module.Flags().StringVar(&priority, "priority", "", "priority (critical, high, medium, low)")
	module.Flags().StringVar(&modStatus, "status", "", "status (planned, pending, in-progress, complete, blocked)")
	module.Flags().StringSliceVar(&deps, "depends-on", nil, "replace dependencies (module or module:kind)")
	module.Flags().StringVar(&modContext, "context", "", "bounded context")
	module.Flags().BoolVar(&force, "force", false, "override the lock on started work")
	cmd.AddCommand(module)
	return cmd
}

func removeRequirementCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove-requirement",
		Short: "Remove a requirement section or a module",
	}
	cmd.PersistentFlags().BoolVar(&force, "force", false, "remove even if work has started")
	cmd.AddCommand(&cobra.Command{
		Use:   "section <name>",
		Short: "Remove a section (pending only unless forced)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				name := strings.Join(args, " ")
				res, err := e.RemoveRequirementSection(ctx, p, name, force)
				if err != nil {
					return err
				}
				return printResult(res, fmt.Sprintf("Removed section %q", name))
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "module <id>",
		Short: "Remove a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				res, err := e.RemoveModule(ctx, p, args[0], force)
				if err != nil {
					return err
				}
				return printResult(res, fmt.Sprintf("Removed module %s", args[0]))
			})
		},
	})
	return cmd
}

func resetSectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-section <name>",
		Short: "Return a section to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				name := strings.Join(args, " ")
				res, err := e.ResetRequirementSection(ctx, p, name)
				if err != nil {
					return err
				}
				return printResult(res, fmt.Sprintf("Section %q is pending", name))
			})
		},
	}
}

func setGoalCmd() *cobra.Command {
	var override bool
	cmd := &cobra.Command{
		Use:   "set-goal <goal>",
		Short: "Replace the plan goal",
		Long:  "The goal locks once any module is in progress; --override replaces it anyway.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				res, err := e.SetGoal(ctx, p, strings.Join(args, " "), override)
				if err != nil {
					return err
				}
				return printResult(res, "Goal updated")
			})
		},
	}
	cmd.Flags().BoolVar(&override, "override", false, "replace a locked goal")
	return cmd
}

func submitPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit-plan",
		Short: "Move the plan from drafting to reviewing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				res, err := e.SubmitForReview(ctx, p)
				if err != nil {
					return err
				}
				return printResult(res, fmt.Sprintf("Plan %s is reviewing", res.Plan.PlanID))
			})
		},
	}
}

func planningStatusCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "planning-status",
		Short: "Show the plan, its exit criteria and dependency analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				view, err := e.Status(ctx, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				printStatus(view, verbose)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include modules, dependencies and fix hints")
	return cmd
}

func analyzeDepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze-deps",
		Short: "Report dependency cycles and a build order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				view, err := e.Status(ctx, p)
				if err != nil {
					return err
				}
				out := struct {
					depgraph.Report
					BuildOrder []string `json:"build_order,omitempty"`
				}{view.Dependencies, view.BuildOrder}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				printDependencies(view)
				return nil
			})
		},
	}
}

// approvalOutput is the --json shape of approve-plan; the approval is always
// present even when the notification failed.
type approvalOutput struct {
	engine.ApproveResult
	Notified    *handoff.Result `json:"notified,omitempty"`
	NotifyError string          `json:"notify_error,omitempty"`
}

func approvePlanCmd() *cobra.Command {
	var skipIssues bool
	var notify string
	cmd := &cobra.Command{
		Use:   "approve-plan",
		Short: "Approve the plan and open one issue per module",
		Long:  "Approval requires every exit criterion and no dependency cycle spanning two bounded contexts. Issue creation failures are reported as warnings; use retry-issue for them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Approve(ctx, rt.Project, engine.ApproveOptions{SkipIssues: skipIssues})
				if err != nil {
					return err
				}
				out := approvalOutput{ApproveResult: res}
				var notifyErr error
				if notify != "" {
					delivered, err := notifyApproved(ctx, rt, res, notify)
					if err != nil {
						notifyErr = err
						out.NotifyError = err.Error()
					} else {
						out.Notified = &delivered
					}
				}
				if viper.GetBool("json") {
					if err := printJSON(out); err != nil {
						return err
					}
					return notifyErr
				}
				printApproval(res)
				if out.Notified != nil {
					fmt.Printf("%s acknowledged the approval (attempts: %d)\n", notify, out.Notified.Attempts)
				}
				return notifyErr
			})
		},
	}
	cmd.Flags().BoolVar(&skipIssues, "skip-issues", false, "approve without opening issues")
	cmd.Flags().StringVar(&notify, "notify", "", "agent to notify; waits for its acknowledgment")
	return cmd
}

func retryIssueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-issue <module-id>",
		Short: "Open the missing issue of a module after approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				ref, err := e.RetryIssueCreation(ctx, p, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ref)
				}
				fmt.Printf("Opened %s for module %s\n", ref.Ref, ref.ModuleID)
				return nil
			})
		},
	}
}

func resetPlanCmd() *cobra.Command {
	var backup, yes bool
	cmd := &cobra.Command{
		Use:   "reset-plan",
		Short: "Delete the plan and orchestration records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset-plan deletes the plan; pass --yes to confirm")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				res, err := e.Reset(ctx, p, backup)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Deleted plan %s\n", res.PlanID)
				for _, b := range res.Backups {
					fmt.Printf("  backup: %s\n", b)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&backup, "backup", false, "write the documents under docs_dev/plan_backups first")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write the plan documents to .planline/",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p engine.Project) error {
				files, err := e.Export(ctx, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(files)
				}
				for _, f := range files {
					fmt.Println(f)
				}
				return nil
			})
		},
	}
}

// --- output ---

func printStatus(view engine.StatusView, verbose bool) {
	plan := view.Plan
	fmt.Printf("Plan: %s (%s)\n", plan.PlanID, plan.Status)
	fmt.Printf("Goal: %s", plan.Goal)
	if plan.GoalLocked {
		fmt.Print(" [locked]")
	}
	fmt.Println()

	st := table.NewWriter()
	st.SetOutputMirror(os.Stdout)
	st.AppendHeader(table.Row{"Section", "Status"})
	for _, s := range plan.Sections {
		st.AppendRow(table.Row{s.Name, s.Status})
	}
	st.Render()

	if verbose {
		mt := table.NewWriter()
		mt.SetOutputMirror(os.Stdout)
		mt.AppendHeader(table.Row{"Module", "Status", "Priority", "Depends on", "Issue"})
		for _, m := range plan.Modules {
			ref := "-"
			if m.HasExternalRef() {
				ref = *m.ExternalIssueRef
			}
			mt.AppendRow(table.Row{m.ID, m.Status, m.Priority, strings.Join(m.DependsOn, ", "), ref})
		}
		mt.Render()
	} else {
		fmt.Printf("Modules: %d\n", len(plan.Modules))
	}

	ct := table.NewWriter()
	ct.SetOutputMirror(os.Stdout)
	header := table.Row{"Exit criterion", "Met"}
	if verbose {
		header = append(header, "Hint")
	}
	ct.AppendHeader(header)
	for _, c := range plan.ExitCriteria {
		row := table.Row{c.Description, checkmark(c.Satisfied)}
		if verbose {
			row = append(row, c.Hint)
		}
		ct.AppendRow(row)
	}
	ct.Render()

	if verbose {
		printDependencies(view)
	} else if n := len(view.Dependencies.Cycles); n > 0 {
		fmt.Printf("Dependency cycles: %d (see analyze-deps)\n", n)
	}
	if view.Orchestration != nil {
		fmt.Printf("Orchestration: %s, %d/%d modules complete\n", view.Orchestration.Status, view.Orchestration.ModulesCompleted, view.Orchestration.ModulesTotal)
	} else if view.Approvable {
		fmt.Println("Ready for approve-plan")
	}
}

func printDependencies(view engine.StatusView) {
	report := view.Dependencies
	if len(report.Cycles) == 0 {
		fmt.Println("No dependency cycles")
	} else {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Cycle", "Severity", "Suggested strategy"})
		for _, c := range report.Cycles {
			tw.AppendRow(table.Row{c.String(), c.Severity, c.Strategy})
		}
		tw.Render()
	}
	for _, m := range report.Missing {
		fmt.Printf("warning: %s depends on undeclared module %s\n", m.From, m.To)
	}
	if len(view.BuildOrder) > 0 {
		fmt.Printf("Build order: %s\n", strings.Join(view.BuildOrder, " -> "))
	}
}

func printApproval(res engine.ApproveResult) {
	fmt.Printf("Approved plan %s\n", res.Plan.PlanID)
	if len(res.Created) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Module", "Issue"})
		for _, c := range res.Created {
			tw.AppendRow(table.Row{c.ModuleID, c.Ref})
		}
		tw.Render()
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: no issue for %s: %s (retry with retry-issue %s)\n", w.ModuleID, w.Message, w.ModuleID)
	}
	for _, c := range res.Advisories {
		fmt.Printf("advisory: %s cycle %s, consider %s\n", c.Severity, c.String(), c.Strategy)
	}
	for _, m := range res.Missing {
		fmt.Printf("advisory: %s depends on undeclared module %s\n", m.From, m.To)
	}
}

func checkmark(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
