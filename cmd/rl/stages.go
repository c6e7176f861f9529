package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"relocation/internal/domain"
	"relocation/internal/engine"
)

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Manage the ordered stages of a scope",
	}
	st.AddCommand(stageListCmd())
	st.AddCommand(stageAddCmd())
	st.AddCommand(stageUpdateCmd(false))
	st.AddCommand(stageRemoveCmd(false))
	return st
}

func subStageCmd() *cobra.Command {
	sub := &cobra.Command{
		Use:   "substage",
		Short: "Manage the sub-stages of a village stage",
	}
	sub.AddCommand(subStageListCmd())
	sub.AddCommand(subStageAddCmd())
	sub.AddCommand(stageUpdateCmd(true))
	sub.AddCommand(stageRemoveCmd(true))
	return sub
}

func stageRows(items []domain.Stage) []table.Row {
	var rows []table.Row
	for _, s := range items {
		rows = append(rows, table.Row{s.Position, s.ID, s.Name, s.Deleted})
		for _, sub := range s.SubStages {
			rows = append(rows, table.Row{fmt.Sprintf("%d.%d", s.Position, sub.Position), sub.ID, "  " + sub.Name, sub.Deleted})
		}
	}
	return rows
}

var stageHeader = table.Row{"Pos", "ID", "Name", "Deleted"}

func stageListCmd() *cobra.Command {
	var scope string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListStages(ctx, scope, all)
				if err != nil {
					return err
				}
				return printTable(items, stageHeader, stageRows(items))
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "village", "stage scope")
	cmd.Flags().BoolVar(&all, "all", false, "include soft-deleted stages")
	return cmd
}

func stageAddCmd() *cobra.Command {
	var scope, name, desc string
	var position int
	var subs []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Insert a stage; without --position it is appended",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			in := engine.StageInput{Name: name, Description: desc, Position: optionalInt(cmd, "position", position)}
			for _, s := range subs {
				in.SubStages = append(in.SubStages, engine.StageInput{Name: s})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.InsertStage(ctx, p, scope, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "village", "stage scope")
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&position, "position", 0, "0-based position among active stages")
	cmd.Flags().StringArrayVar(&subs, "sub", nil, "sub-stage name (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func subStageListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list <stage-id>",
		Short: "List sub-stages of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSubStages(ctx, args[0], all)
				if err != nil {
					return err
				}
				return printTable(items, stageHeader, stageRows(items))
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include soft-deleted sub-stages")
	return cmd
}

func subStageAddCmd() *cobra.Command {
	var name, desc string
	var position int
	cmd := &cobra.Command{
		Use:   "add <stage-id>",
		Short: "Insert a sub-stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.InsertSubStage(ctx, p, args[0], engine.StageInput{
					Name:        name,
					Description: desc,
					Position:    optionalInt(cmd, "position", position),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "sub-stage name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&position, "position", 0, "0-based position among active siblings")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// stageUpdateCmd serves both `stage update <id>` and `substage update <parent> <id>`.
func stageUpdateCmd(sub bool) *cobra.Command {
	var name, desc string
	var position int
	use, nargs := "update <stage-id>", 1
	if sub {
		use, nargs = "update <stage-id> <substage-id>", 2
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: "Rename or move",
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			patch := engine.StagePatch{
				Name:        optionalString(cmd, "name", name),
				Description: optionalString(cmd, "description", desc),
				Position:    optionalInt(cmd, "position", position),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var updated domain.Stage
				var err error
				if sub {
					updated, err = e.UpdateSubStage(ctx, p, args[0], args[1], patch)
				} else {
					updated, err = e.UpdateStage(ctx, p, args[0], patch)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().IntVar(&position, "position", 0, "new 0-based position")
	return cmd
}

func stageRemoveCmd(sub bool) *cobra.Command {
	use, nargs := "rm <stage-id>", 1
	if sub {
		use, nargs = "rm <stage-id> <substage-id>", 2
	}
	return &cobra.Command{
		Use:   use,
		Short: "Soft-delete; remaining siblings close the gap",
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := args[0]
				if sub {
					target = args[1]
					err = e.SoftDeleteSubStage(ctx, p, args[0], args[1])
				} else {
					err = e.SoftDeleteStage(ctx, p, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"deleted": target})
			})
		},
	}
}
