package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/canonhq/canon/internal/canonical"
	"github.com/canonhq/canon/internal/chunk"
	"github.com/canonhq/canon/internal/config"
	"github.com/canonhq/canon/internal/db"
	"github.com/canonhq/canon/internal/dedup"
	"github.com/canonhq/canon/internal/embed"
	"github.com/canonhq/canon/internal/ingest"
	"github.com/canonhq/canon/internal/state"
	"github.com/canonhq/canon/internal/store"
	"github.com/canonhq/canon/internal/sweep"
	"github.com/canonhq/canon/internal/vectorstore"
	"github.com/canonhq/canon/internal/vectorstore/embedded"
	"github.com/canonhq/canon/internal/vectorstore/memory"
	"github.com/canonhq/canon/internal/vectorstore/qdrant"
	"github.com/canonhq/canon/internal/watch"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "canon",
		Short: "Canonical identity and version resolution engine",
		Long: `Canon decides whether an incoming record is a new entity or a new
version of one already stored, and keeps the relational store and the
vector store converged on a single current version per canonical ID.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("canon %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize canon config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DataDir   string `json:"data_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}

			result := Result{OK: true}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to get config directory: %v", err)})
			}
			result.ConfigDir = configDir

			dataDir, err := config.GetDataDir()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to get data directory: %v", err)})
			}
			result.DataDir = dataDir

			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to create config directory: %v", err)})
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to create data directory: %v", err)})
			}

			if err := db.Init(); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to initialize database: %v", err)})
			}
			dbPath, _ := db.GetPath()
			result.DBPath = dbPath

			cfg, err := config.Load()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to load config: %v", err)})
			}
			if err := cfg.Save(); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to save config: %v", err)})
			}

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Println("Initialized canon")
				fmt.Printf("  Config: %s\n", result.ConfigDir)
				fmt.Printf("  Data:   %s\n", result.DataDir)
				fmt.Printf("  DB:     %s\n", result.DBPath)
			}
		},
	})

	ingestCmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest records from JSON lines files (or stdin with -)",
		Long: `Each input line is one record:
  {"id": "...", "fields": {"thread_id": "..."}, "content": "...", "timestamp": 1730000000, "parent_id": "..."}
With --raw, each file argument is ingested whole as its content, using
the file's modification time as the version timestamp.`,
		Run: func(cmd *cobra.Command, args []string) {
			source, _ := cmd.Flags().GetString("source")
			raw, _ := cmd.Flags().GetBool("raw")

			type Result struct {
				OK       bool            `json:"ok"`
				Message  string          `json:"message,omitempty"`
				Ingested []ingest.Result `json:"ingested,omitempty"`
				Rejected int             `json:"rejected"`
			}

			if source == "" {
				fail(Result{Message: "--source is required"})
			}
			if len(args) == 0 {
				fail(Result{Message: "at least one input file (or -) is required"})
			}

			cfg, conn, engine, cleanup := mustEngine()
			defer cleanup()
			_ = conn

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result := Result{OK: true}
			for _, arg := range args {
				records, err := readRecords(arg, raw)
				if err != nil {
					fail(Result{Message: err.Error()})
				}
				for _, rec := range records {
					res, err := engine.Ingest(ctx, cfg.TenantID, source, rec)
					if err != nil {
						fail(Result{Message: fmt.Sprintf("Failed to ingest %s: %v", res.CanonicalID, err), Ingested: result.Ingested})
					}
					result.Ingested = append(result.Ingested, res)
					if !res.Written {
						result.Rejected++
					}
				}
			}

			if jsonOutput {
				printJSON(result)
			} else {
				for _, res := range result.Ingested {
					marker := "✓"
					if !res.Written {
						marker = "-"
					}
					fmt.Printf("%s %s (%s", marker, res.CanonicalID, res.Decision)
					if res.Report.ChunksDeleted > 0 || res.Report.RelationalDeleted > 0 {
						fmt.Printf(", deleted %d rows / %d chunks", res.Report.RelationalDeleted, res.Report.ChunksDeleted)
					}
					fmt.Println(")")
				}
				fmt.Printf("%d ingested, %d rejected as stale\n", len(result.Ingested)-result.Rejected, result.Rejected)
			}
		},
	}
	ingestCmd.Flags().String("source", "", "Source name (e.g., outlook, gdrive, upload)")
	ingestCmd.Flags().Bool("raw", false, "Treat each file as raw content instead of JSON lines")
	rootCmd.AddCommand(ingestCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile vector chunks against current record versions",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
				sweep.Report
				Duration string `json:"duration"`
			}

			cfg, conn := mustOpen()
			defer conn.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			records := store.NewSQLiteStore(conn)
			vectors := mustVectors(cfg)
			sweeper := sweep.NewSweeper(records, vectors, sweep.Options{}, logger())

			start := time.Now()
			report, err := sweeper.Run(ctx, cfg.TenantID)
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Sweep failed: %v", err), Report: report})
			}
			_ = state.Set(conn, "sweep", "last_run_at", strconv.FormatInt(time.Now().Unix(), 10))

			result := Result{OK: true, Report: report, Duration: time.Since(start).String()}
			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("Swept %d records, deleted %d mismatched chunks in %s\n",
					report.RecordsChecked, report.ChunksDeleted, result.Duration)
			}
		},
	}
	rootCmd.AddCommand(sweepCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a drop folder and ingest files as uploads",
		Run: func(cmd *cobra.Command, args []string) {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, conn, engine, cleanup := mustEngine()
			defer cleanup()
			_ = conn

			if dir == "" {
				dir = cfg.Watch.Dir
			}
			if dir == "" {
				fail(map[string]any{"ok": false, "message": "no watch directory configured (--dir or watch.dir)"})
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := watch.NewWatcher(engine, cfg.TenantID, dir, func(format string, args ...any) {
				fmt.Printf(format+"\n", args...)
			})

			// Restart on watcher failure; a removed-and-recreated drop
			// dir should not take the daemon down.
			backoff := time.Second
			for {
				err := w.Run(ctx)
				if ctx.Err() != nil {
					return
				}
				if err == nil {
					return
				}
				fmt.Fprintf(os.Stderr, "watch failed, restarting in %s: %v\n", backoff, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
			}
		},
	}
	watchCmd.Flags().String("dir", "", "Directory to watch (overrides config)")
	rootCmd.AddCommand(watchCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sources",
		Short: "Print the resolved per-source strategy table",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fail(map[string]any{"ok": false, "message": err.Error()})
			}
			if jsonOutput {
				printJSON(cfg.Sources)
				return
			}
			names := make([]string, 0, len(cfg.Sources))
			for name := range cfg.Sources {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Printf("%-12s %-18s %-16s %s\n", "SOURCE", "STRATEGY", "NATIVE ID FIELD", "ID KIND")
			for _, name := range names {
				spec := cfg.Sources[name]
				fmt.Printf("%-12s %-18s %-16s %s\n", name, spec.Strategy, spec.NativeIDField, spec.IDKind)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show record counts and sweep watermark",
		Run: func(cmd *cobra.Command, args []string) {
			type SourceCount struct {
				Source string `json:"source"`
				Count  int    `json:"count"`
			}
			type Result struct {
				OK          bool          `json:"ok"`
				Message     string        `json:"message,omitempty"`
				Records     int           `json:"records"`
				BySource    []SourceCount `json:"by_source,omitempty"`
				LastSweepAt string        `json:"last_sweep_at,omitempty"`
			}

			conn, err := db.Open()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to open database: %v", err)})
			}
			defer conn.Close()

			result := Result{OK: true}
			rows, err := conn.Query(`SELECT source, COUNT(*) FROM canonical_records GROUP BY source ORDER BY source`)
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to query records: %v", err)})
			}
			defer rows.Close()
			for rows.Next() {
				var sc SourceCount
				if err := rows.Scan(&sc.Source, &sc.Count); err != nil {
					fail(Result{Message: fmt.Sprintf("Failed to scan: %v", err)})
				}
				result.BySource = append(result.BySource, sc)
				result.Records += sc.Count
			}

			if v, ok, _ := state.Get(conn, "sweep", "last_run_at"); ok {
				if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
					result.LastSweepAt = time.Unix(unix, 0).Format(time.RFC3339)
				}
			}

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("Canonical records: %d\n", result.Records)
				for _, sc := range result.BySource {
					fmt.Printf("  %-12s %d\n", sc.Source, sc.Count)
				}
				if result.LastSweepAt != "" {
					fmt.Printf("Last sweep: %s\n", result.LastSweepAt)
				}
			}
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func mustOpen() (*config.Config, *sql.DB) {
	cfg, err := config.Load()
	if err != nil {
		fail(map[string]any{"ok": false, "message": fmt.Sprintf("Failed to load config: %v", err)})
	}
	conn, err := db.Open()
	if err != nil {
		fail(map[string]any{"ok": false, "message": fmt.Sprintf("Failed to open database: %v", err)})
	}
	if err := db.EnsureSchema(conn); err != nil {
		conn.Close()
		fail(map[string]any{"ok": false, "message": fmt.Sprintf("Failed to apply schema: %v", err)})
	}
	return cfg, conn
}

// mustEngine wires the full pipeline from config: registry, stores,
// deduplicator, writer.
func mustEngine() (*config.Config, *sql.DB, *ingest.Engine, func()) {
	cfg, conn := mustOpen()

	log := logger()
	registry := canonical.NewRegistry(cfg.Sources, log)
	records := store.NewSQLiteStore(conn)
	vectors := mustVectors(cfg)

	ded := dedup.NewDeduplicator(records, vectors, dedup.Options{
		PageSize:    cfg.Ingest.ScanPageSize,
		PageTimeout: cfg.Ingest.PageTimeout,
	}, log)

	embedder := mustEmbedder(cfg)
	writer := ingest.NewChunkWriter(records, vectors, chunk.NewSentenceSplitter(5, 1), embedder)
	engine := ingest.NewEngine(registry, records, ded, writer, ingest.EngineOptions{
		MaxRetries: cfg.Ingest.MaxRetries,
	}, log)

	return cfg, conn, engine, func() { conn.Close() }
}

func mustVectors(cfg *config.Config) vectorstore.Store {
	switch cfg.Vector.Backend {
	case "qdrant":
		s := qdrant.NewStore(qdrant.Config{
			URL:        cfg.Vector.URL,
			APIKey:     os.Getenv(cfg.Vector.APIKeyEnv),
			Collection: cfg.Vector.Collection,
			Dimension:  cfg.Vector.Dimension,
			Timeout:    cfg.Vector.Timeout,
		})
		if err := s.Init(context.Background()); err != nil {
			// A missing payload index degrades filtered scans to the
			// dedup skip path; ingestion itself keeps working.
			logger().Warn("failed to initialize qdrant collection", "error", err)
		}
		return s
	case "memory":
		return memory.NewStore()
	default:
		s, err := embedded.NewStore(cfg.Vector.Dimension)
		if err != nil {
			fail(map[string]any{"ok": false, "message": fmt.Sprintf("Failed to build embedded vector index: %v", err)})
		}
		return s
	}
}

func mustEmbedder(cfg *config.Config) embed.Embedder {
	if cfg.Embedder.Provider == "openai" {
		e, err := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
			BaseURL:   cfg.Embedder.BaseURL,
			APIKeyEnv: cfg.Embedder.APIKeyEnv,
			Model:     cfg.Embedder.Model,
		})
		if err != nil {
			fail(map[string]any{"ok": false, "message": fmt.Sprintf("Failed to create embedder: %v", err)})
		}
		return e
	}
	return embed.NewHashEmbedder(cfg.Vector.Dimension)
}

// readRecords parses one input argument into raw records.
func readRecords(arg string, raw bool) ([]canonical.RawRecord, error) {
	if raw {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", arg, err)
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", arg, err)
		}
		return []canonical.RawRecord{{
			ID:        arg,
			Content:   string(data),
			Timestamp: info.ModTime().Unix(),
		}}, nil
	}

	var in *os.File
	if arg == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(arg)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", arg, err)
		}
		defer f.Close()
		in = f
	}

	type line struct {
		ID        string            `json:"id"`
		Fields    map[string]string `json:"fields"`
		Content   string            `json:"content"`
		Timestamp int64             `json:"timestamp"`
		ParentID  string            `json:"parent_id"`
	}

	var records []canonical.RawRecord
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		var l line
		if err := json.Unmarshal([]byte(text), &l); err != nil {
			return nil, fmt.Errorf("parse record %q: %w", truncate(text, 60), err)
		}
		records = append(records, canonical.RawRecord{
			ID:        l.ID,
			Fields:    l.Fields,
			Content:   l.Content,
			Timestamp: l.Timestamp,
			ParentID:  l.ParentID,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", arg, err)
	}
	return records, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func fail(v any) {
	if jsonOutput {
		printJSON(v)
	} else {
		if m, ok := v.(map[string]any); ok {
			fmt.Fprintf(os.Stderr, "Error: %v\n", m["message"])
		} else {
			data, _ := json.Marshal(v)
			fmt.Fprintf(os.Stderr, "Error: %s\n", data)
		}
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
