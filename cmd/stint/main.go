package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stint/internal/config"
	"stint/internal/db"
	"stint/internal/jira"
	"stint/internal/migrate"
	"stint/internal/server"
	"stint/internal/store"
	"stint/internal/tracker"
	stintsdk "stint/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "stint",
	Short: "Stint tracks time spent on issues",
	Long: `Stint is a single-user time tracker for issues imported from a remote
tracker or added locally. 'stint serve' runs the daemon that owns the active
session; the other subcommands talk to it over its HTTP API.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STINT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:7224", "daemon base URL")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(recentCmd())
}

// trayNotifier stands in for the desktop tray menu: recent-list changes are
// surfaced in the daemon log.
type trayNotifier struct{}

func (trayNotifier) RecentIssuesChanged(keys []string) {
	log.Printf("recent issues: %s", strings.Join(keys, ", "))
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}

			trk := tracker.New(store.Store{DB: conn})
			trk.Assignee = cfg.Jira.User
			if err := trk.RestoreRecent(cmd.Context()); err != nil {
				return err
			}
			trk.SetNotifier(trayNotifier{})

			var remote jira.Fetcher
			if cfg.Jira.Enabled() {
				remote = jira.New(cfg.Jira)
			}
			handler, err := server.New(server.Config{
				Tracker:  trk,
				Remote:   remote,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: os.Getenv("STINT_JWT_SECRET")},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				// The flush must complete before the process is allowed to
				// exit; a flush failure is logged but never blocks shutdown.
				if err := trk.ShutdownFlush(); err != nil {
					log.Printf("shutdown flush: %v", err)
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			fmt.Printf("Serving Stint API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7224", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func newClient() *stintsdk.Client {
	c := stintsdk.New(viper.GetString("server"))
	c.BearerToken = os.Getenv("STINT_TOKEN")
	return c
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{Use: "issue", Short: "Manage issues"}
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueAddCmd())
	issue.AddCommand(issueImportCmd())
	return issue
}

func issueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().Issues(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"KEY", "SUMMARY", "ASSIGNEE", "TRACKED"})
			for _, it := range items {
				tw.AppendRow(table.Row{it.Key, it.Summary, it.AssigneeEmail, formatDuration(it.TimeTracked)})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func issueAddCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "add KEY",
		Short: "Add a local issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := newClient().AddIssue(cmd.Context(), args[0], summary)
			if err != nil {
				return err
			}
			return printJSON(issue)
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "issue summary")
	return cmd
}

func issueImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import KEY",
		Short: "Import an issue from the remote tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := newClient().ImportIssue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(issue)
		},
	}
	return cmd
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start KEY",
		Short: "Start tracking an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Start(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("tracking %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func stopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("stopped")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracking status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Status(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			if st.ActiveIssueKey == nil {
				fmt.Println("idle")
				return nil
			}
			fmt.Printf("tracking %s for %s\n", *st.ActiveIssueKey, formatDuration(st.ElapsedSeconds))
			return nil
		},
	}
	return cmd
}

func recentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show recently tracked issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := newClient().Recent(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(keys)
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	}
	return cmd
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func formatDuration(secs int64) string {
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
