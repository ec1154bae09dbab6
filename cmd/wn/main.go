package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"worknode/internal/app"
	"worknode/internal/config"
	"worknode/internal/db"
	"worknode/internal/engine/auth"
	"worknode/internal/migrate"
	"worknode/internal/telemetry"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "wn",
	Short: "worknode CLI",
	Long: `worknode is a personal task tree where every status change, relation, grouping
and decomposition goes through a single-use confirmation.
- Nodes: tasks and projects arranged in a tree; status follows a fixed lifecycle.
- Confirmations: a proposed change is issued first ('wn confirm issue ...') and applied
  once with its id ('wn apply ...'). They expire after 24 hours.
- Cascades: moving a node to done, cooling, dormant or cancelled moves its whole subtree.
- History: every mutation leaves an entry saying what changed and which confirmation allowed it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()
		return nil
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
	viper.SetEnvPrefix("WORKNODE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-class", "human", "actor class (human, agent, batch, internal)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "actor-class", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(confirmCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(cascadeCmd())
	rootCmd.AddCommand(serveCmd())
}

func setupLogger() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default worknode.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			ws, err := app.Open(workspace, slog.Default())
			if err != nil {
				return err
			}
			defer ws.Close()
			applied, err := migrate.List(ws.DB)
			if err != nil {
				return err
			}
			version := 0
			if len(applied) > 0 {
				version = applied[len(applied)-1].Version
			}
			fmt.Printf("database ready at %s (schema version %d)\n", db.Path(workspace), version)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect worknode.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return printJSON(ws.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate worknode.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.LoadOptional(viper.GetString("workspace"))
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
	return cfg
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(viper.GetString("workspace"), slog.Default())
	if err != nil {
		return err
	}
	defer ws.Close()
	if err := telemetry.Init(ctx, "worknode", version, telemetry.Options{
		Enabled: ws.Config.Telemetry.Enabled,
		Stdout:  ws.Config.Telemetry.Stdout,
	}); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(sctx)
	}()
	return fn(ctx, ws)
}

func currentActor() (auth.Actor, error) {
	class, err := auth.ParseClass(viper.GetString("actor-class"))
	if err != nil {
		return auth.Actor{}, err
	}
	return auth.Actor{ID: viper.GetString("actor-id"), Class: class}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json is set, in which case v is printed instead.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
