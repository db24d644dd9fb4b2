package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wangshixiong/promptsync/internal/auth"
	"github.com/wangshixiong/promptsync/internal/config"
	"github.com/wangshixiong/promptsync/internal/remote"
	"github.com/wangshixiong/promptsync/internal/store"
	"github.com/wangshixiong/promptsync/internal/sync"
	"github.com/wangshixiong/promptsync/internal/watcher"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "promptsync",
		Short:   "Prompt collection sync daemon for Postgres",
		Long:    `Keeps a local prompt collection synchronized with a remote PostgreSQL store once the user has signed in.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		daemonCmd(),
		syncCmd(),
		pushCmd(),
		statusCmd(),
		migrateCmd(),
		initCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup opens the shared collaborators every sync-driving command needs.
func setup(ctx context.Context) (*config.Config, *store.Store, *remote.DB, *auth.FileProvider, *sync.Engine, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.Open(cfg.PromptsFile())
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to open local collection: %w", err)
	}

	database, err := remote.New(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	provider := auth.NewFileProvider(cfg.SessionFile())
	if err := provider.Load(); err != nil {
		database.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to read session: %w", err)
	}

	engine := sync.NewEngine(st, database, provider, cfg)
	return cfg, st, database, provider, engine, nil
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Start the background sync process",
		Long:  `Starts a daemon that reacts to sign-in events and local collection changes, and syncs periodically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg, st, database, provider, engine, err := setup(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			engine.Status().Subscribe(func(status sync.Status, message string) {
				slog.Debug("sync status", "status", status, "message", message)
			})

			// Sync requests collapse: one pending request is enough.
			syncRequests := make(chan struct{}, 1)
			requestSync := func() {
				select {
				case syncRequests <- struct{}{}:
				default:
				}
			}

			provider.OnAuthStateChange(func(event auth.Event, session *auth.Session) {
				if event == auth.SignedIn {
					requestSync()
				}
			})

			promptsName := filepath.Base(cfg.PromptsFile())
			sessionName := filepath.Base(cfg.SessionFile())

			w, err := watcher.New(cfg.DataDir, cfg.Sync.DebounceMs, promptsName, sessionName)
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("failed to start watcher: %w", err)
			}

			// Handle graceful shutdown
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			slog.Info("daemon started", "data_dir", cfg.DataDir)
			fmt.Println("Watching prompt collection for changes. Press Ctrl+C to stop.")

			if provider.CurrentUser() != nil {
				requestSync()
			}

			ticker := time.NewTicker(time.Duration(cfg.Sync.IntervalS) * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					slog.Info("shutting down...")
					w.Flush()
					w.Stop()
					return nil

				case event := <-w.Events():
					slog.Debug("file event", "name", event.Name, "type", event.EventType)
					switch event.Name {
					case sessionName:
						provider.Reload()
					case promptsName:
						if err := st.Reload(); err != nil {
							slog.Error("failed to reload collection", "error", err)
						}
						if provider.CurrentUser() != nil {
							requestSync()
						}
					}

				case <-ticker.C:
					if provider.CurrentUser() != nil {
						requestSync()
					}

				case <-syncRequests:
					// Fire and forget: the loop keeps consuming events while
					// the run proceeds; completion is observed via status.
					go runSync(ctx, engine)
				}
			}
		},
	}
}

// runSync performs first-login migration when needed, then a full sync.
func runSync(ctx context.Context, engine *sync.Engine) {
	needs, err := engine.NeedsMigration(ctx)
	if err != nil {
		slog.Error("migration check failed", "error", err)
		return
	}
	if needs {
		result, err := engine.MigrateLocalData(ctx)
		if err != nil {
			if !errors.Is(err, sync.ErrSyncInProgress) {
				slog.Error("migration failed", "error", err)
			}
			return
		}
		slog.Info("first-login migration done", "migrated", result.Migrated)
	}

	if _, err := engine.PerformFullSync(ctx); err != nil && !errors.Is(err, sync.ErrSyncInProgress) {
		slog.Error("sync failed", "error", err)
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "One-time full sync, then exit",
		Long:  `Performs a full bidirectional synchronization with the remote store and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			_, _, database, _, engine, err := setup(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			result, err := engine.PerformFullSync(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			fmt.Printf("Sync completed: %d uploaded, %d downloaded, %d deleted, %d conflicts resolved.\n",
				result.Uploaded, result.Downloaded, result.Deleted, result.ConflictsResolved)
			return nil
		},
	}
}

func pushCmd() *cobra.Command {
	force := false
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Migrate local prompts to the remote store",
		Long:  `Uploads the whole local collection to the remote store. Intended for first login, when the remote side is still empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			_, _, database, _, engine, err := setup(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			if !force {
				needs, err := engine.NeedsMigration(ctx)
				if err != nil {
					return err
				}
				if !needs {
					fmt.Println("Nothing to migrate (remote already has records, or migration already completed). Use --force to push anyway.")
					return nil
				}
			}

			engine.SetShowProgress(true)
			result, err := engine.MigrateLocalData(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Migrated %d prompts.\n", result.Migrated)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "push even if the remote side already has records")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection status and sync info",
		Long:  `Shows the current database connection status, sign-in state, last sync time, and record counts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			st, err := store.Open(cfg.PromptsFile())
			if err != nil {
				return fmt.Errorf("failed to open local collection: %w", err)
			}

			provider := auth.NewFileProvider(cfg.SessionFile())
			if err := provider.Load(); err != nil {
				slog.Warn("failed to read session", "error", err)
			}
			user := provider.CurrentUser()

			fmt.Println("=== Promptsync Status ===")
			if user != nil {
				fmt.Printf("Signed in as: %s\n", user.ID)
			} else {
				fmt.Println("Signed in as: (not signed in)")
			}
			fmt.Printf("Local prompts: %d\n", st.PromptCount())
			if v, ok := st.GetValue(store.KeyLastSyncTime); ok {
				fmt.Printf("Last sync: %s\n", v)
			}
			if v, ok := st.GetValue(store.KeySyncStatus); ok {
				fmt.Printf("Sync status: %s\n", v)
			}
			fmt.Println()

			database, err := remote.New(ctx, &cfg.Database)
			if err != nil {
				fmt.Printf("Database Status: Disconnected\n")
				fmt.Printf("Error: %v\n", err)
				return nil
			}
			defer database.Close()

			fmt.Printf("Database Status: Connected\n")
			fmt.Printf("  Host: %s\n", cfg.Database.Host)
			fmt.Printf("  Database: %s\n", cfg.Database.Database)
			fmt.Printf("  Schema: %s\n", cfg.Database.Schema)

			if user != nil {
				status, err := database.GetStatus(ctx, user.ID)
				if err != nil {
					return fmt.Errorf("failed to get status: %w", err)
				}
				fmt.Printf("Remote records: %d (%d tombstones)\n", status.TotalRecords, status.Tombstones)
				if status.LastSyncedAt != nil {
					fmt.Printf("Last remote write: %s\n", status.LastSyncedAt.Format(time.RFC3339))
				}
			}

			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Runs all pending database migrations.`,
	}

	migrationsDir := ""
	cmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "migrations directory")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		database, err := remote.New(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		// Resolve migrations directory
		if !filepath.IsAbs(migrationsDir) {
			// Try relative to executable first
			exe, _ := os.Executable()
			exeDir := filepath.Dir(exe)
			if _, err := os.Stat(filepath.Join(exeDir, migrationsDir)); err == nil {
				migrationsDir = filepath.Join(exeDir, migrationsDir)
			} else {
				// Try relative to current directory
				cwd, _ := os.Getwd()
				migrationsDir = filepath.Join(cwd, migrationsDir)
			}
		}

		if err := database.RunMigrations(ctx, migrationsDir); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Println("Migrations completed successfully.")
		return nil
	}

	return cmd
}

// fileConfig mirrors the config file layout for the init command.
type fileConfig struct {
	DataDir string `yaml:"data_dir"`
	Auth    struct {
		SessionFile string `yaml:"session_file,omitempty"`
	} `yaml:"auth,omitempty"`
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		Schema   string `yaml:"schema"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`
	Sync struct {
		IntervalS  int `yaml:"interval_s"`
		DebounceMs int `yaml:"debounce_ms"`
		BatchSize  int `yaml:"batch_size"`
	} `yaml:"sync"`
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		Long:  `Interactively creates a configuration file and prints next steps.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)

			fmt.Println("=== Promptsync Setup ===")
			fmt.Println()

			// Get data dir
			fmt.Print("Data directory (holds prompts.json and session.jwt): ")
			dataDir, _ := reader.ReadString('\n')
			dataDir = strings.TrimSpace(dataDir)

			if _, err := os.Stat(dataDir); os.IsNotExist(err) {
				fmt.Printf("Creating data directory: %s\n", dataDir)
				if err := os.MkdirAll(dataDir, 0755); err != nil {
					return fmt.Errorf("failed to create data directory: %w", err)
				}
			}

			// Get database settings
			fmt.Println("\nDatabase Configuration:")
			fmt.Print("  Host: ")
			host, _ := reader.ReadString('\n')
			host = strings.TrimSpace(host)

			fmt.Print("  Port [5432]: ")
			portStr, _ := reader.ReadString('\n')
			portStr = strings.TrimSpace(portStr)
			if portStr == "" {
				portStr = "5432"
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("invalid port %q", portStr)
			}

			fmt.Print("  User: ")
			user, _ := reader.ReadString('\n')
			user = strings.TrimSpace(user)

			fmt.Print("  Password: ")
			password, _ := reader.ReadString('\n')
			password = strings.TrimSpace(password)

			fmt.Print("  Database name: ")
			dbName, _ := reader.ReadString('\n')
			dbName = strings.TrimSpace(dbName)
			if dbName == "" {
				return fmt.Errorf("database name is required")
			}

			// Derive default schema name from the data dir folder
			defaultSchema := config.SanitizeIdentifier(filepath.Base(dataDir))
			fmt.Printf("  Schema name [%s]: ", defaultSchema)
			schemaName, _ := reader.ReadString('\n')
			schemaName = strings.TrimSpace(schemaName)
			if schemaName == "" {
				schemaName = defaultSchema
			}

			fmt.Print("  SSL mode [require]: ")
			sslMode, _ := reader.ReadString('\n')
			sslMode = strings.TrimSpace(sslMode)
			if sslMode == "" {
				sslMode = "require"
			}

			fc := fileConfig{DataDir: dataDir}
			fc.Database.Host = host
			fc.Database.Port = port
			fc.Database.User = user
			fc.Database.Password = "${DB_PASSWORD}" // set via environment
			fc.Database.Database = dbName
			fc.Database.Schema = schemaName
			fc.Database.SSLMode = sslMode
			fc.Sync.IntervalS = 300
			fc.Sync.DebounceMs = 2000
			fc.Sync.BatchSize = 100

			configContent, err := yaml.Marshal(fc)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}

			// Determine config path
			configDir, err := config.GetConfigDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")

			// Write config file
			if err := os.WriteFile(configPath, configContent, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			fmt.Printf("\nIMPORTANT: Set the DB_PASSWORD environment variable:\n")
			fmt.Printf("  export DB_PASSWORD='%s'\n", password)
			fmt.Println("\nTo test the connection, run: promptsync status")
			fmt.Println("To run migrations, run: promptsync migrate")
			fmt.Println("To migrate local prompts after first sign-in, run: promptsync push")
			fmt.Println("To start syncing, run: promptsync daemon")

			return nil
		},
	}
}
