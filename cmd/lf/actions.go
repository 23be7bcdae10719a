package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/engine"
)

type actionFlags struct {
	amount    string
	asset     string
	tranche   string
	item      string
	autoRepay bool
}

func (f *actionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.amount, "amount", "", "integer amount in the asset's smallest unit")
	cmd.Flags().StringVar(&f.asset, "asset", "", "collateral asset (deposit, withdraw)")
	cmd.Flags().StringVar(&f.tranche, "tranche", "", "tranche (invest)")
	cmd.Flags().StringVar(&f.item, "item", "", "item to finance (finance)")
	cmd.Flags().BoolVar(&f.autoRepay, "auto-repay", false, "repay from proceeds (finance)")
}

func (f *actionFlags) request(e engine.Engine, action, actorID string) (engine.ActionRequest, error) {
	amount, err := domain.ParseAmount(f.amount)
	if err != nil {
		return engine.ActionRequest{}, &engine.ValidationError{Field: "amount", Message: err.Error()}
	}
	return engine.ActionRequest{
		Account:   account(e),
		Action:    action,
		Amount:    amount,
		Asset:     f.asset,
		Tranche:   f.tranche,
		Item:      f.item,
		AutoRepay: f.autoRepay,
		ActorID:   actorID,
	}, nil
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Run a ledger action as a workflow"}
	for _, name := range engine.Actions {
		act.AddCommand(actionRunCmd(name))
	}
	return act
}

func actionRunCmd(action string) *cobra.Command {
	var flags actionFlags
	cmd := &cobra.Command{
		Use:   action,
		Short: fmt.Sprintf("Run %s and wait for every step", action),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID, err := authorize(ctx, e)
				if err != nil {
					return err
				}
				req, err := flags.request(e, action, actorID)
				if err != nil {
					return err
				}
				res, runErr := e.Execute(context.WithoutCancel(ctx), req)
				if res.Workflow.ID == "" {
					return runErr
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
					return runErr
				}
				printWorkflow(res.Workflow)
				if res.Release != nil {
					fmt.Printf("Release batch %s: %s\n", res.Release.ID, res.Release.State)
				}
				if res.ReleaseError != "" {
					fmt.Printf("Release not started: %s\n", res.ReleaseError)
				}
				return runErr
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func planCmd() *cobra.Command {
	var flags actionFlags
	cmd := &cobra.Command{
		Use:       "plan <action>",
		Short:     "Preview the steps an action would submit",
		Args:      cobra.ExactArgs(1),
		ValidArgs: engine.Actions,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := flags.request(e, args[0], actor(e))
				if err != nil {
					return err
				}
				plan, err := e.BuildPlan(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plan)
				}
				fmt.Printf("Target: %s\n", engine.TargetKey(req.Account, plan.Scope))
				tw := newTable(table.Row{"#", "Kind", "Method", "Args"})
				for i, s := range plan.Steps {
					tw.AppendRow(table.Row{i, s.Kind, s.Method, formatArgs(s.Args)})
				}
				tw.Render()
				return nil
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func printWorkflow(wf domain.Workflow) {
	fmt.Printf("Workflow %s (%s): %s, step %d/%d\n", wf.ID, wf.Action, wf.State, wf.CurrentIndex, len(wf.Steps))
	if wf.Reason != "" {
		fmt.Printf("Reason: %s\n", wf.Reason)
	}
	printOperations(wf.Operations)
}

func formatArgs(args map[string]string) string {
	parts := make([]string, 0, len(args))
	for _, k := range sortedKeys(args) {
		parts = append(parts, k+"="+args[k])
	}
	return strings.Join(parts, " ")
}
