package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Napageneral/isearch/internal/backfill"
	"github.com/Napageneral/isearch/internal/config"
	"github.com/Napageneral/isearch/internal/db"
	"github.com/Napageneral/isearch/internal/search"
	"github.com/Napageneral/isearch/internal/server"
	"github.com/Napageneral/isearch/internal/state"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	logFormat  string
	logLevel   string
)

// Result is the generic --json envelope.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		report(err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Commands return their errors so that
// deferred cleanup runs before the process exits.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "isearch",
		Short: "Semantic search over your iMessage history",
		Long: `isearch embeds every message in the local Messages archive together
with the conversation that preceded it, and answers free-text queries
with the most similar messages in a thread.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("isearch %s (%s, %s)\n", version, commit, buildDate)
			}
			return nil
		},
	})

	// init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize isearch config and index database",
		RunE: func(cmd *cobra.Command, args []string) error {
			type InitResult struct {
				OK         bool   `json:"ok"`
				Message    string `json:"message,omitempty"`
				ConfigPath string `json:"config_path,omitempty"`
				IndexPath  string `json:"index_path,omitempty"`
				Archive    string `json:"archive,omitempty"`
			}

			configDir, err := config.GetConfigDir()
			if err != nil {
				return fail("Failed to get config directory: %v", err)
			}
			result := InitResult{OK: true, ConfigPath: filepath.Join(configDir, "config.yaml")}

			if _, err := os.Stat(result.ConfigPath); os.IsNotExist(err) {
				if err := config.Default().Save(); err != nil {
					return fail("Failed to write config: %v", err)
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			result.IndexPath = cfg.IndexPath
			conn, err := db.OpenIndex(cfg.IndexPath)
			if err != nil {
				return fail("Failed to initialize database: %v", err)
			}
			conn.Close()

			result.Archive = cfg.ArchivePath
			if _, err := os.Stat(cfg.ArchivePath); err != nil {
				result.Archive += " (not readable; grant Full Disk Access)"
			}
			result.Message = "isearch initialized successfully"

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config: %s\n", result.ConfigPath)
				fmt.Printf("✓ Index: %s\n", result.IndexPath)
				fmt.Printf("  Archive: %s\n", result.Archive)
				fmt.Println("\nisearch initialized successfully!")
			}
			return nil
		},
	})

	// status command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show index coverage and the last backfill run",
		RunE: func(cmd *cobra.Command, args []string) error {
			type StatusResult struct {
				OK           bool          `json:"ok"`
				ModelVersion int           `json:"model_version"`
				Model        string        `json:"model,omitempty"`
				Embedded     int           `json:"embedded"`
				Pending      int           `json:"pending"`
				LastRun      *backfill.Run `json:"last_run,omitempty"`
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cfg, newLogger(cfg.Log), false)
			if err != nil {
				return fail("%v", err)
			}
			defer rt.Close()
			ctx := cmd.Context()

			result := StatusResult{OK: true, ModelVersion: cfg.ModelVersion}
			if result.Embedded, err = rt.repo.CountEmbedded(ctx, cfg.ModelVersion); err != nil {
				return fail("Failed to count embeddings: %v", err)
			}
			if result.Pending, err = rt.repo.CountMissingEmbedding(ctx, cfg.ModelVersion); err != nil {
				return fail("Failed to count pending messages: %v", err)
			}
			if result.LastRun, err = backfill.LatestRun(ctx, rt.db); err != nil {
				return fail("%v", err)
			}
			result.Model, _, _ = state.Get(rt.db, "model", strconv.Itoa(cfg.ModelVersion))

			if jsonOutput {
				printJSON(result)
				return nil
			}
			fmt.Printf("Model version: %d", result.ModelVersion)
			if result.Model != "" {
				fmt.Printf(" (%s)", result.Model)
			}
			fmt.Println()
			fmt.Printf("Embedded: %d\n", result.Embedded)
			fmt.Printf("Pending:  %d\n", result.Pending)
			if run := result.LastRun; run != nil {
				fmt.Printf("Last run: %s %s (inserted %d, failed %d)\n",
					run.StartedAt.Local().Format("2006-01-02 15:04:05"), run.Status, run.Inserted, run.Failed)
				if run.Error != "" {
					fmt.Printf("  Error: %s\n", run.Error)
				}
			}
			return nil
		},
	})

	// backfill command
	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed every message that has no embedding yet",
		Long: `Embeds unembedded messages newest first, one batch at a time. Each batch
is committed before the next starts, so an interrupted run resumes where it
stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetInt("batch-size"); v > 0 {
				cfg.BatchSize = v
			}
			if cmd.Flags().Changed("window") {
				cfg.WindowSize, _ = cmd.Flags().GetInt("window")
			}
			if v, _ := cmd.Flags().GetString("commit-mode"); v != "" {
				cfg.CommitMode = v
			}
			if err := cfg.Validate(); err != nil {
				return fail("%v", err)
			}

			logger := newLogger(cfg.Log)
			rt, err := openRuntime(cfg, logger, true)
			if err != nil {
				return fail("%v", err)
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := backfill.New(rt.db, rt.repo, rt.windows, rt.embedder, backfill.Options{
				BatchSize:    cfg.BatchSize,
				WindowSize:   cfg.WindowSize,
				ModelVersion: cfg.ModelVersion,
				CommitMode:   cfg.CommitMode,
				ModelID:      modelID(cfg.Embedder),
				Logger:       logger,
				Progress: func(done, total int) {
					logger.Info().Int("embedded", done).Int("pending", total).Msg("progress")
				},
			})
			stats, err := p.Run(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return fail("Backfill interrupted after %d embeddings; rerun to resume", stats.Inserted)
				}
				return fail("Backfill failed after %d embeddings: %v", stats.Inserted, err)
			}

			if jsonOutput {
				printJSON(struct {
					Result
					backfill.Stats
				}{Result{OK: true}, stats})
			} else {
				fmt.Printf("✓ Embedded %d messages in %s", stats.Inserted, stats.Duration.Round(time.Millisecond))
				if stats.Failed > 0 || stats.Corrupt > 0 {
					fmt.Printf(" (%d failed, %d corrupt, left pending)", stats.Failed, stats.Corrupt)
				}
				fmt.Println()
			}
			return nil
		},
	}
	backfillCmd.Flags().Int("batch-size", 0, "Messages per batch (default from config)")
	backfillCmd.Flags().Int("window", 0, "Preceding messages included as context")
	backfillCmd.Flags().String("commit-mode", "", "Commit per 'batch' or per 'row'")
	rootCmd.AddCommand(backfillCmd)

	// search command
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find the messages in a thread most similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			threadID, _ := cmd.Flags().GetInt64("thread")
			identity, _ := cmd.Flags().GetString("identity")
			topK, _ := cmd.Flags().GetInt("top-k")

			rt, err := openRuntime(cfg, newLogger(cfg.Log), true)
			if err != nil {
				return fail("%v", err)
			}
			defer rt.Close()
			ctx := cmd.Context()

			responder := rt.responder()
			in := search.Inquiry{Query: strings.Join(args, " "), Identity: identity, ThreadID: threadID, TopK: topK}
			threadID, err = responder.ResolveThread(ctx, in)
			if err != nil {
				return fail("%v (pass --thread or set default_thread)", err)
			}

			resp, err := rt.searcher().Search(ctx, search.Request{Query: in.Query, ThreadID: threadID, TopK: topK})
			if errors.Is(err, search.ErrEmptyIndex) {
				if jsonOutput {
					printJSON(search.Reply{ThreadID: threadID, Results: []string{}, NoResults: true})
				} else {
					fmt.Println("No results. Run 'isearch backfill' to index this thread.")
				}
				return nil
			}
			if err != nil {
				return fail("Search failed: %v", err)
			}

			if jsonOutput {
				printJSON(resp)
				return nil
			}
			for i, r := range resp.Results {
				if i > 0 {
					fmt.Println("\n---")
				}
				fmt.Printf("[%.3f]\n%s\n", r.Score, r.Rendered)
			}
			return nil
		},
	}
	searchCmd.Flags().Int64("thread", 0, "Thread (chat) id to search")
	searchCmd.Flags().String("identity", "", "Resolve the thread from a phone number or email")
	searchCmd.Flags().Int("top-k", 0, "Number of results (default from config)")
	rootCmd.AddCommand(searchCmd)

	// threads command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "threads",
		Short: "List conversation threads and their index coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cfg, newLogger(cfg.Log), false)
			if err != nil {
				return fail("%v", err)
			}
			defer rt.Close()

			threads, err := rt.repo.ListThreads(cmd.Context(), cfg.ModelVersion)
			if err != nil {
				return fail("Failed to list threads: %v", err)
			}
			if jsonOutput {
				printJSON(threads)
				return nil
			}
			for _, t := range threads {
				name := t.DisplayName
				if name == "" {
					name = t.Identifier
				}
				fmt.Printf("%6d  %-40s %6d messages  %6d embedded\n", t.ID, name, t.MessageCount, t.EmbeddedCount)
			}
			return nil
		},
	})

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer queries over local HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("addr"); v != "" {
				cfg.Server.Addr = v
			}
			logger := newLogger(cfg.Log)
			rt, err := openRuntime(cfg, logger, true)
			if err != nil {
				return fail("%v", err)
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			router := server.NewRouter(rt.responder(), rt.db, version, logger)
			if err := server.ListenAndServe(ctx, cfg.Server.Addr, router, logger); err != nil {
				return fail("Server error: %v", err)
			}
			return nil
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
	rootCmd.AddCommand(serveCmd)

	return rootCmd
}

// loadConfig loads config and applies the global log flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fail("Failed to load config: %v", err)
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// fail builds a command error with a user-facing message.
func fail(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// report prints a command error as a failed Result.
func report(err error) {
	result := Result{OK: false, Message: err.Error()}
	if jsonOutput {
		printJSON(result)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", result.Message)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
