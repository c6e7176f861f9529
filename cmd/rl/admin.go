package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relocation/internal/config"
	"relocation/internal/domain"
	"relocation/internal/engine"
	"relocation/internal/engine/auth"
	"relocation/internal/repo"
	"relocation/internal/server"
)

func entityCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entity",
		Short: "Register and inspect tracked entities",
	}
	ent.AddCommand(entityRegisterCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entityShowCmd())
	return ent
}

func entityRegisterCmd() *cobra.Command {
	var in engine.EntityInput
	var kind string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a village, family, plot, house, facility or material",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseEntityKind(kind)
			if err != nil {
				return err
			}
			in.Kind = k
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ent, err := e.RegisterEntity(ctx, p, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind")
	cmd.Flags().StringVar(&in.ID, "id", "", "entity id (generated when empty; required for villages)")
	cmd.Flags().StringVar(&in.VillageID, "village", "", "owning village id")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.TypeID, "type", "", "building type id (plots and houses)")
	cmd.Flags().StringVar(&in.OptionID, "option", "", "relocation option id (families)")
	cmd.Flags().StringVar(&in.ParentID, "parent", "", "parent entity id")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func entityListCmd() *cobra.Command {
	var f repo.EntityFilters
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Kind = domain.EntityKind(kind)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEntities(ctx, f)
				if err != nil {
					return err
				}
				var rows []table.Row
				for _, ent := range items {
					rows = append(rows, table.Row{ent.Kind, ent.ID, ent.VillageID, ent.Scope, deref(ent.CurrentStage), len(ent.StagesCompleted)})
				}
				return printTable(items, table.Row{"Kind", "ID", "Village", "Scope", "Current", "Done"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind")
	cmd.Flags().StringVar(&f.VillageID, "village", "", "village id")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent entity id")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func entityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind> <id>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ent, err := e.GetEntity(ctx, kind, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
}

func houseCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "house",
		Short: "Allocate houses to families",
	}
	h.AddCommand(houseInsertCmd())
	h.AddCommand(&cobra.Command{
		Use:   "show <house-id>",
		Short: "Show a house and its homes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				house, err := e.GetHouse(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(house)
			})
		},
	})
	return h
}

func houseInsertCmd() *cobra.Command {
	var villageID, typeID string
	var homes []string
	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Create a house with one home per family",
		Example: `  rl house insert --village V1 --type T1 --home fam_V1_1:Ram --home fam_V1_2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			in := engine.HouseInput{VillageID: villageID, TypeID: typeID}
			for _, h := range homes {
				familyID, mukhiya, _ := strings.Cut(h, ":")
				in.Homes = append(in.Homes, engine.HomeInput{FamilyID: familyID, MukhiyaName: mukhiya})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				house, err := e.InsertHouse(ctx, p, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(house)
			})
		},
	}
	cmd.Flags().StringVar(&villageID, "village", "", "village id")
	cmd.Flags().StringVar(&typeID, "type", "", "building type id")
	cmd.Flags().StringArrayVar(&homes, "home", nil, "familyId[:mukhiyaName] (repeatable)")
	_ = cmd.MarkFlagRequired("village")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyActivateCmd("activate", true))
	k.AddCommand(apiKeyActivateCmd("deactivate", false))
	k.AddCommand(&cobra.Command{
		Use:   "rm <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"deleted": args[0]})
			})
		},
	})
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var userID, roleName, name string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := auth.ParseRole(roleName)
			if err != nil {
				return err
			}
			secret := "rlk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:        uuid.NewString(),
				UserID:    userID,
				Role:      string(role),
				Active:    !inactive,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(domain.TimeLayout),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "userId": key.UserID, "role": key.Role, "active": key.Active, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user the key acts as")
	cmd.Flags().StringVar(&roleName, "key-role", "", "role granted to the key")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the key deactivated")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("key-role")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				var rows []table.Row
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.UserID, k.Role, k.Active, k.Name, k.CreatedAt})
				}
				return printTable(keys, table.Row{"ID", "User", "Role", "Active", "Name", "Created"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "only keys of this user")
	return cmd
}

func apiKeyActivateCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <key-id>",
		Short: "Toggle whether requests with the key count as an activated user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.SetAPIKeyActive(ctx, args[0], active); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": args[0], "active": active})
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "token",
		Short: "Bearer tokens for the HTTP server",
	}
	var userID, roleName string
	var ttl time.Duration
	var inactive bool
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a JWT with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := auth.ParseRole(roleName)
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("set RELOCATION_JWT_SECRET or auth.jwt_secret in relocation.yml")
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.TokenTTL()
			}
			token, err := server.SignToken(secret, userID, role, !inactive, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&userID, "user-id", "", "token subject")
	mint.Flags().StringVar(&roleName, "token-role", "", "role claim")
	mint.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (default from auth.dev_token_ttl)")
	mint.Flags().BoolVar(&inactive, "inactive", false, "mint for a user that is not activated")
	_ = mint.MarkFlagRequired("user-id")
	_ = mint.MarkFlagRequired("token-role")
	t.AddCommand(mint)
	return t
}

// jwtSecret prefers the environment over the file so secrets can stay out of
// relocation.yml.
func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt_secret"); s != "" {
		return s
	}
	return cfg.Auth.JWTSecret
}
