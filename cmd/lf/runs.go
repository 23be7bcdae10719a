package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/engine"
	"ledgerflow/internal/repo"
)

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Aliases: []string{"wf"}, Short: "Inspect and steer workflows"}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowResumeCmd())
	wf.AddCommand(workflowAbandonCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	var status, action string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkflows(ctx, repo.WorkflowFilters{Account: account(e), Status: status, Action: action, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Action", "State", "Step", "Created", "Reason"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Action, w.State, fmt.Sprintf("%d/%d", w.CurrentIndex, len(w.Steps)), w.CreatedAt, w.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "idle, running, completed or failed")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow with its operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Repo.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(wf)
				}
				printWorkflow(wf)
				return nil
			})
		},
	}
}

func workflowResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Continue a workflow parked by reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID, err := authorize(ctx, e)
				if err != nil {
					return err
				}
				res, runErr := e.Resume(context.WithoutCancel(ctx), args[0], actorID)
				if res.Workflow.ID != "" {
					if viper.GetBool("json") {
						_ = printJSON(res)
					} else {
						printWorkflow(res.Workflow)
					}
				}
				return runErr
			})
		},
	}
}

func workflowAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <id>",
		Short: "Stop tracking a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID, err := authorize(ctx, e)
				if err != nil {
					return err
				}
				wf, err := e.Abandon(ctx, args[0], actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(wf)
				}
				printWorkflow(wf)
				return nil
			})
		},
	}
}

func batchCmd() *cobra.Command {
	b := &cobra.Command{Use: "batch", Short: "Release locked items and inspect batch jobs"}
	b.AddCommand(batchListCmd())
	b.AddCommand(batchShowCmd())
	b.AddCommand(batchReleaseCmd())
	b.AddCommand(batchResumeCmd())
	b.AddCommand(batchAbandonCmd())
	return b
}

func printBatch(job domain.BatchJob) {
	fmt.Printf("Batch %s (%s): %s, item %d/%d, resumes %d\n", job.ID, job.Method, job.State, job.CurrentIndex, len(job.Items), job.Resumes)
	if job.Reason != "" {
		fmt.Printf("Reason: %s\n", job.Reason)
	}
	printOperations(job.Operations)
}

func batchListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batch jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBatches(ctx, repo.BatchFilters{Account: account(e), Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "State", "Items", "Done", "Resumes", "Triggered By"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.State, strings.Join(j.Items, ","), j.CurrentIndex, j.Resumes, j.TriggeredBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "idle, running, completed or failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func batchShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a batch job with its operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.Repo.GetBatch(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(job)
				}
				printBatch(job)
				return nil
			})
		},
	}
}

func batchReleaseCmd() *cobra.Command {
	var items []string
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release locked items once nothing is owed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID, err := authorize(ctx, e)
				if err != nil {
					return err
				}
				job, runErr := e.StartRelease(context.WithoutCancel(ctx), account(e), items, actorID)
				if job.ID != "" {
					if viper.GetBool("json") {
						_ = printJSON(job)
					} else {
						printBatch(job)
					}
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringSliceVar(&items, "item", nil, "item to release (repeatable); all locked items when omitted")
	return cmd
}

func batchResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Continue a halted batch with the items still locked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID, err := authorize(ctx, e)
				if err != nil {
					return err
				}
				job, runErr := e.ResumeBatch(context.WithoutCancel(ctx), args[0], actorID)
				if job.ID != "" {
					if viper.GetBool("json") {
						_ = printJSON(job)
					} else {
						printBatch(job)
					}
				}
				return runErr
			})
		},
	}
}

func batchAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <id>",
		Short: "Stop tracking a batch job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID, err := authorize(ctx, e)
				if err != nil {
					return err
				}
				job, err := e.AbandonBatch(ctx, args[0], actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(job)
				}
				printBatch(job)
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the actor"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw, key, err := e.Auth.IssueAPIKey(ctx, actor(e), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	list := &cobra.Command{
		Use:   "list",
		Short: "List the actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	k.AddCommand(create, list)
	return k
}

func delegateCmd() *cobra.Command {
	d := &cobra.Command{Use: "delegate", Short: "Manage actors allowed to act for the account"}
	d.AddCommand(&cobra.Command{
		Use:   "grant <actor>",
		Short: "Allow an actor to act for the account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				del, err := e.Auth.Grant(ctx, actor(e), account(e), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s may now act for %s\n", del.ActorID, del.Account)
				return nil
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "revoke <actor>",
		Short: "Revoke a delegation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Auth.Revoke(ctx, actor(e), account(e), args[0])
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List delegates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ds, err := e.Repo.ListDelegates(ctx, account(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ds)
				}
				tw := newTable(table.Row{"Actor", "Granted"})
				for _, del := range ds {
					tw.AppendRow(table.Row{del.ActorID, del.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return d
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
