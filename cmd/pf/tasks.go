package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"purchaseflow/internal/domain"
	"purchaseflow/internal/engine"
	"purchaseflow/internal/workflow"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Complete or uncomplete checklist tasks",
		Long:  "A task can be completed once the tasks it follows are done and the stage's preconditions hold. Uncompleting never touches later tasks.",
	}
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(taskUncompleteCmd())
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var (
		notes, currency, attachmentID string
		amount                        int64
	)
	cmd := &cobra.Command{
		Use:   "complete <purchase-id> <stage> <task>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTask(cmd.Context(), engine.TaskCompletionOptions{
				PurchaseID:   args[0],
				Stage:        domain.StageKey(args[1]),
				Task:         domain.TaskKey(args[2]),
				Completed:    true,
				Notes:        notes,
				Amount:       amount,
				Currency:     currency,
				AttachmentID: attachmentID,
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	cmd.Flags().Int64Var(&amount, "amount", 0, "captured amount in minor units")
	cmd.Flags().StringVar(&currency, "currency", "", "currency of --amount (defaults to the purchase currency)")
	cmd.Flags().StringVar(&attachmentID, "attachment", "", "attachment id from 'pf attachment upload'")
	return cmd
}

func taskUncompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uncomplete <purchase-id> <stage> <task>",
		Short: "Clear a task's completion and captured values",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTask(cmd.Context(), engine.TaskCompletionOptions{
				PurchaseID: args[0],
				Stage:      domain.StageKey(args[1]),
				Task:       domain.TaskKey(args[2]),
			})
		},
	}
}

func setTask(ctx context.Context, opts engine.TaskCompletionOptions) error {
	opts.ActorID = actorID()
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		if _, err := e.SetTaskCompletion(ctx, opts); err != nil {
			return err
		}
		view, err := e.Summary(ctx, opts.PurchaseID)
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

func stageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stage", Short: "Set stage fields"}
	var clearYard bool
	yard := &cobra.Command{
		Use:   "yard <purchase-id> <stage> [yard-id]",
		Short: "Select the destination yard of a stage, or clear it with --clear",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			yardID := ""
			if len(args) == 3 {
				yardID = args[2]
			}
			if yardID == "" && !clearYard {
				return fmt.Errorf("yard id required (or --clear)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.SelectYard(ctx, args[0], domain.StageKey(args[1]), yardID, actorID())
				if err != nil {
					return err
				}
				st, _ := workflow.Stage(wf, domain.StageKey(args[1]))
				if viper.GetBool("json") {
					return printJSON(st)
				}
				if yardID == "" {
					fmt.Printf("Yard cleared on %s\n", args[1])
					return nil
				}
				fmt.Printf("Yard %s selected on %s\n", st.Fields[workflow.FieldYardName], args[1])
				return nil
			})
		},
	}
	yard.Flags().BoolVar(&clearYard, "clear", false, "clear the yard selection")
	cmd.AddCommand(yard)
	cmd.AddCommand(stageSetCmd())
	return cmd
}

func stageSetCmd() *cobra.Command {
	var clearField bool
	cmd := &cobra.Command{
		Use:   "set <purchase-id> <stage> <field> [value]",
		Short: "Set a field a stage precondition waits on, or clear it with --clear",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := ""
			if len(args) == 4 {
				value = args[3]
			}
			if value == "" && !clearField {
				return fmt.Errorf("value required (or --clear)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.SetStageField(ctx, args[0], domain.StageKey(args[1]), args[2], value, actorID())
				if err != nil {
					return err
				}
				st, _ := workflow.Stage(wf, domain.StageKey(args[1]))
				if viper.GetBool("json") {
					return printJSON(st)
				}
				if value == "" {
					fmt.Printf("%s cleared on %s (%s)\n", args[2], args[1], st.Status)
					return nil
				}
				fmt.Printf("%s set on %s (%s)\n", args[2], args[1], st.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clearField, "clear", false, "clear the field")
	return cmd
}

func costCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cost", Short: "Manage stage ledgers"}
	cmd.AddCommand(costAddCmd())
	cmd.AddCommand(costRemoveCmd())
	cmd.AddCommand(costListCmd())
	return cmd
}

func costAddCmd() *cobra.Command {
	var (
		description, currency, taskKey, attachmentID string
		amount                                       int64
	)
	cmd := &cobra.Command{
		Use:   "add <purchase-id> <stage>",
		Short: "Record a cost on a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, entry, err := e.AddCost(ctx, engine.CostOptions{
					PurchaseID:   args[0],
					Stage:        domain.StageKey(args[1]),
					TaskKey:      domain.TaskKey(taskKey),
					Description:  description,
					Amount:       amount,
					Currency:     currency,
					AttachmentID: attachmentID,
					ActorID:      actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entry)
				}
				st, _ := workflow.Stage(wf, domain.StageKey(args[1]))
				fmt.Printf("Cost %s added: %s (stage total %s)\n", entry.ID, formatMoney(entry.Amount, entry.Currency), formatMoney(workflow.TotalCost(st), entry.Currency))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "what the cost is for")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	cmd.Flags().StringVar(&currency, "currency", "", "currency (defaults to the purchase currency)")
	cmd.Flags().StringVar(&taskKey, "task", "", "task the cost belongs to")
	cmd.Flags().StringVar(&attachmentID, "attachment", "", "receipt attachment id")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func costRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <purchase-id> <stage> <cost-id>",
		Short: "Remove a ledger entry",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.RemoveCost(ctx, args[0], domain.StageKey(args[1]), args[2], actorID())
				if err != nil {
					return err
				}
				st, _ := workflow.Stage(wf, domain.StageKey(args[1]))
				if viper.GetBool("json") {
					return printJSON(st.Costs)
				}
				fmt.Printf("Cost %s removed (stage total %s)\n", args[2], formatMoney(workflow.TotalCost(st), workflow.StageCurrency(st)))
				return nil
			})
		},
	}
}

func costListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <purchase-id> [stage]",
		Short: "List ledger entries",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				stages := wf.Stages
				if len(args) == 2 {
					st, ok := workflow.Stage(wf, domain.StageKey(args[1]))
					if !ok {
						return workflow.UnknownStageError{Stage: domain.StageKey(args[1])}
					}
					stages = []domain.Stage{st}
				}
				if viper.GetBool("json") {
					out := map[domain.StageKey][]domain.CostEntry{}
					for _, st := range stages {
						out[st.Key] = st.Costs
					}
					return printJSON(out)
				}
				for _, st := range stages {
					fmt.Printf("%s\n", st.Key)
					renderCosts(st.Costs, workflow.TotalCost(st), workflow.StageCurrency(st))
				}
				return nil
			})
		},
	}
}
