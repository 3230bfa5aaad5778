package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"purchaseflow/internal/domain"
	"purchaseflow/internal/engine"
	"purchaseflow/internal/workflow"
)

func purchaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "purchase", Short: "Manage purchases"}
	cmd.AddCommand(purchaseCreateCmd())
	cmd.AddCommand(purchaseShowCmd())
	cmd.AddCommand(purchaseListCmd())
	return cmd
}

func purchaseCreateCmd() *cobra.Command {
	var id, reference, currency string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a purchase and create its workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, wf, err := e.CreatePurchase(ctx, engine.PurchaseCreateOptions{
					ID:        id,
					Reference: reference,
					Currency:  currency,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"purchase": p, "workflow_id": wf.ID})
				}
				fmt.Printf("Purchase %s created (%s), workflow %s\n", p.ID, p.Currency, wf.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "purchase id (generated when empty)")
	cmd.Flags().StringVar(&reference, "reference", "", "auction or lot reference")
	cmd.Flags().StringVar(&currency, "currency", "", "ISO currency code (defaults to the workspace currency)")
	return cmd
}

func purchaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <purchase-id>",
		Short: "Show a purchase and its workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showWorkflow(cmd.Context(), args[0])
		},
	}
}

func purchaseListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List purchases, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPurchases(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Reference", "Currency", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Reference, p.Currency, p.CreatedAt.Local().Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of purchases")
	return cmd
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Inspect and finalize workflows"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <purchase-id>",
		Short: "Show stages, tasks and ledgers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showWorkflow(cmd.Context(), args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "finalize <purchase-id>",
		Short: "Lock the workflow against further changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Finalize(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(wf)
				}
				fmt.Printf("Workflow %s finalized by %s at %s\n", wf.ID, wf.FinalizedBy, wf.FinalizedAt.Local().Format(time.DateTime))
				return nil
			})
		},
	})
	return cmd
}

func showWorkflow(ctx context.Context, purchaseID string) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		view, err := e.Summary(ctx, purchaseID)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(view)
		}
		renderWorkflow(view)
		return nil
	})
}

func renderWorkflow(view engine.WorkflowView) {
	state := "open"
	if view.Finalized {
		state = fmt.Sprintf("finalized by %s at %s", view.FinalizedBy, view.FinalizedAt.Local().Format(time.DateTime))
	}
	fmt.Printf("Purchase %s  workflow %s  v%d  %s\n", view.PurchaseID, view.ID, view.Version, state)
	for _, st := range view.Stages {
		fmt.Printf("\n%s [%s]\n", st.Label, st.Status)
		if yard := st.Fields[workflow.FieldYardName]; yard != "" {
			fmt.Printf("  yard: %s (%s)\n", yard, st.Fields[workflow.FieldYardID])
		}
		for _, missing := range st.MissingPreconditions {
			fmt.Printf("  missing precondition: %s\n", missing)
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Task", "Label", "Done", "Enabled", "Amount", "Attachment", "By", "At"})
		for _, t := range st.Tasks {
			var amount, att, by, at string
			if t.Amount != 0 {
				amount = formatMoney(t.Amount, t.Currency)
			}
			if t.Attachment != nil {
				att = t.Attachment.Name
			}
			if t.Completion != nil {
				by = t.Completion.CompletedBy
				at = t.Completion.CompletedAt.Local().Format(time.DateTime)
			}
			tw.AppendRow(table.Row{t.Key, t.Label, check(t.Completed), check(t.Enabled), amount, att, by, at})
		}
		tw.Render()
		if len(st.Costs) > 0 {
			renderCosts(st.Costs, st.TotalCost, st.Currency)
		}
	}
}

func renderCosts(costs []domain.CostEntry, total int64, currency string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Cost", "Task", "Description", "Amount", "Attachment", "By"})
	for _, c := range costs {
		att := ""
		if c.Attachment != nil {
			att = c.Attachment.Name
		}
		tw.AppendRow(table.Row{c.ID, c.TaskKey, c.Description, formatMoney(c.Amount, c.Currency), att, c.CreatedBy})
	}
	tw.AppendFooter(table.Row{"", "", "Total", formatMoney(total, currency), "", ""})
	tw.Render()
}
