package main

import (
	"context"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"relocation/internal/domain"
	"relocation/internal/engine"
	"relocation/internal/repo"
)

func verifyCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "verify",
		Short: "Record and approve stage updates",
		Long:  "A stage update is evidence that an entity reached a stage. It starts at status 1 and climbs one step per approval: ra 1->2, ro 2->3, ad 3->4, dd 4.",
	}
	v.AddCommand(verifyInsertCmd())
	v.AddCommand(verifyEditCmd())
	v.AddCommand(verifyStepCmd("approve", 1))
	v.AddCommand(verifyStepCmd("reject", -1))
	v.AddCommand(verifyRemoveCmd())
	v.AddCommand(verifyShowCmd())
	v.AddCommand(verifyListCmd())
	return v
}

func verifyInsertCmd() *cobra.Command {
	var stageID, subStageID, name, notes string
	var docs []string
	cmd := &cobra.Command{
		Use:   "insert <entity-type> <entity-id>",
		Short: "Record evidence that an entity reached a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.InsertVerification(ctx, p, engine.VerificationInput{
					EntityKind: kind,
					EntityID:   args[1],
					StageID:    stageID,
					SubStageID: subStageID,
					Name:       name,
					Notes:      notes,
					Documents:  docs,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().StringVar(&subStageID, "substage", "", "sub-stage id (village stages with sub-stages)")
	cmd.Flags().StringVar(&name, "name", "", "record name")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringArrayVar(&docs, "doc", nil, "document URL, http(s) or s3 (repeatable)")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func verifyEditCmd() *cobra.Command {
	var name, notes string
	var docs []string
	cmd := &cobra.Command{
		Use:   "edit <entity-type> <verification-id>",
		Short: "Edit name, notes or documents before the record reaches status 3",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			patch := engine.VerificationPatch{
				Name:  optionalString(cmd, "name", name),
				Notes: optionalString(cmd, "notes", notes),
			}
			if cmd.Flags().Changed("doc") {
				patch.Documents = &docs
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.EditVerification(ctx, p, kind, args[1], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "record name")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringArrayVar(&docs, "doc", nil, "replacement document URL (repeatable)")
	return cmd
}

func verifyStepCmd(use string, delta int) *cobra.Command {
	var comments string
	short := "Approve: move the record one status up"
	if delta < 0 {
		short = "Send the record one status back"
	}
	cmd := &cobra.Command{
		Use:   use + " <entity-type> <verification-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.VerifyVerification(ctx, p, kind, args[1], delta, comments)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "review comments")
	_ = cmd.MarkFlagRequired("comments")
	return cmd
}

func verifyRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <entity-type> <verification-id>",
		Short: "Soft-delete a record that has not been approved",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteVerification(ctx, p, kind, args[1], ""); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"deleted": args[1]})
			})
		},
	}
}

func verifyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <entity-type> <verification-id>",
		Short: "Show a record with its status history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetVerification(ctx, kind, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func verifyListCmd() *cobra.Command {
	var q engine.VerificationQuery
	var status int
	cmd := &cobra.Command{
		Use:   "list <entity-type>",
		Short: "List records newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			q.EntityKind = kind
			q.Status = optionalInt(cmd, "status", status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.ListVerifications(ctx, q)
				if err != nil {
					return err
				}
				var rows []table.Row
				for _, v := range page.Items {
					rows = append(rows, table.Row{v.ID, v.EntityID, v.Target(), v.Status, v.InsertedBy, v.InsertedAt})
				}
				return printTable(page, table.Row{"ID", "Entity", "Stage", "Status", "By", "At"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&q.EntityID, "entity", "", "entity id")
	cmd.Flags().StringVar(&q.VillageID, "village", "", "village id")
	cmd.Flags().StringVar(&q.StageID, "stage", "", "stage id")
	cmd.Flags().IntVar(&status, "status", 0, "status 1-4")
	cmd.Flags().StringVar(&q.Name, "name", "", "name contains")
	cmd.Flags().StringVar(&q.FromDate, "from", "", "inserted on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&q.ToDate, "to", "", "inserted on or before (YYYY-MM-DD)")
	cmd.Flags().IntVar(&q.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "page size (default from relocation.yml)")
	return cmd
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <entity-type> <entity-id>",
		Short: "Show an entity's stages with completion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Progress(ctx, kind, args[1])
				if err != nil {
					return err
				}
				var rows []table.Row
				for _, s := range p.Stages {
					mark := " "
					switch {
					case s.Current:
						mark = ">"
					case s.Completed:
						mark = "x"
					case s.Reachable:
						mark = "."
					}
					rows = append(rows, table.Row{mark, s.StageID, s.Name})
				}
				return printTable(p, table.Row{"", "Stage", "Name"}, rows)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every stage edit, stage update, approval, deletion and registration, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				var rows []table.Row
				for _, evt := range events {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind, deref(evt.EntityID), evt.ActorID, deref(evt.Comments)})
				}
				return printTable(events, table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor", "Comments"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.VillageID, "village", "", "village id")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor id")
	cmd.Flags().Int64Var(&f.Cursor, "before", 0, "only events with id below this")
	return cmd
}
