package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relocation/internal/app"
	"relocation/internal/config"
	"relocation/internal/db"
	"relocation/internal/engine"
	"relocation/internal/engine/auth"
	"relocation/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Relocation progress CLI",
	Long: `rl tracks villages, families, plots and other relocation entities through
ordered stages. Field staff record evidence ("stage updates") that an entity
reached a stage, and the RA, RO, AD and DD approve each record in turn.
- Workspace: the .relocation directory holding the database, plus relocation.yml.
- Stages: ordered per scope (village, option/{id}, building/{village}/{type},
  facility/{village}, material/{village}); village stages may have sub-stages.
- Stage updates: an update for a stage needs every earlier stage completed.
- Approvals: status 1 to 4, one step per role; records freeze as they climb.
- Event log: every change, view with 'rl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(viper.GetString("log-level"), viper.GetString("log-format"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RELOCATION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("user", "local-admin", "user id acting from the CLI")
	flags.String("role", string(auth.RoleAdmin), "role of --user (admin, fg, ra, ro, ad, dd)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "user", "role", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(subStageCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(houseCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("--log-format must be text or json, got %q", format)
	}
}

func initCmd() *cobra.Command {
	var noSeed bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database, relocation.yml and seed stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created := 0
				if !noSeed {
					n, err := app.SeedStages(ctx, e, e.Config.Seed)
					if err != nil {
						return err
					}
					created = n
				}
				version, err := migrate.Current(ctx, e.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"config": path, "db": db.Path(workspace), "schemaVersion": version, "seededStages": created})
				}
				fmt.Printf("workspace ready: %s (config %s, schema v%d, %d stages seeded)\n", db.Path(workspace), path, version, created)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noSeed, "no-seed", false, "skip seeding stage templates")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect relocation.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate relocation.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	cfg.AddCommand(configSchemaCmd())
	return cfg
}

func configSchemaCmd() *cobra.Command {
	var counters []string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Show the database schema version and id counters",
		Example: `  rl config schema --counter stage:village --counter Updates_V1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				current, err := migrate.Current(ctx, e.DB)
				if err != nil {
					return err
				}
				latest, err := migrate.Latest()
				if err != nil {
					return err
				}
				seqs := map[string]int64{}
				rows := []table.Row{{"schema_version", current}, {"schema_latest", latest}}
				for _, scope := range counters {
					n, err := e.Repo.CurrentSequence(ctx, scope)
					if err != nil {
						return err
					}
					seqs[scope] = n
					rows = append(rows, table.Row{"counter " + scope, n})
				}
				out := map[string]any{"schemaVersion": current, "latestVersion": latest, "counters": seqs}
				return printTable(out, table.Row{"Key", "Value"}, rows)
			})
		},
	}
	cmd.Flags().StringArrayVar(&counters, "counter", nil, "counter scope to inspect (repeatable)")
	return cmd
}

// --- helpers ---

// cliPrincipal is the identity CLI commands act as. The local operator owns the
// workspace, so the principal is always active.
func cliPrincipal() (auth.Principal, error) {
	role, err := auth.ParseRole(viper.GetString("role"))
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{ID: viper.GetString("user"), Role: role, Active: true, Source: "cli"}, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.OpenWorkspace(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.DB.Close()
	e := engine.New(ws.DB, ws.Config)
	e.Logger = slog.Default()
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json asks for raw, in which case raw is
// encoded instead.
func printTable(raw any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(raw)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func optionalString(cmd *cobra.Command, flag, v string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &v
}

func optionalInt(cmd *cobra.Command, flag string, v int) *int {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
