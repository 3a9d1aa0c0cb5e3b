package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dess-monitor/config"
	"dess-monitor/internal/api"
	"dess-monitor/internal/collector"
	"dess-monitor/internal/dess"
	"dess-monitor/internal/ingest"
	"dess-monitor/internal/logging"
	"dess-monitor/internal/session"
	"dess-monitor/internal/storage"
)

var (
	configFile string
	verbose    bool
)

func main() {
	// Fallback credentials usually live in .env; missing file is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "dess-monitor",
		Short: "DESS inverter cloud poller",
		Long:  "Polls the dessmonitor cloud API on a schedule and stores snapshots and time series locally",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(devicesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	db       *storage.Database
	sessions *session.Manager
	ingest   *ingest.Service
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logging.NewLogger(verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	log.Infow("database opened", "path", cfg.Database.Path)

	client := dess.NewClient(dess.NewSigner())
	sessions := session.NewManager(db, client, &cfg.Dess, log)
	svc := ingest.NewService(ingest.ServiceConfig{
		Client:        client,
		Sessions:      sessions,
		Database:      db,
		Logger:        log,
		PaceDelay:     cfg.Poller.PaceDelay,
		RetentionDays: cfg.Poller.RetentionDays,
		FastFields:    cfg.Poller.FastFields,
		PerDayFields:  cfg.Poller.PerDayFields,
	})

	return &app{cfg: cfg, log: log, db: db, sessions: sessions, ingest: svc}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the polling service",
		Long:  "Start the scheduled poller and the local query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.db.Close()

			coll := collector.NewCollector(collector.CollectorConfig{
				Sessions:       a.sessions,
				Ingest:         a.ingest,
				Logger:         a.log,
				LatestInterval: a.cfg.Poller.LatestInterval,
				ChartInterval:  a.cfg.Poller.ChartInterval,
				Enabled:        a.cfg.Poller.Enabled,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				if err := coll.Start(ctx); err != nil {
					a.log.Errorw("collector error", "error", err)
				}
			}()

			var server *api.Server
			if a.cfg.API.Enabled {
				server = api.NewServer(api.ServerConfig{
					Port:     a.cfg.API.Port,
					Database: a.db,
					Sessions: a.sessions,
					Logger:   a.log,
				})
				go func() {
					if err := server.Start(); err != nil {
						a.log.Errorw("api server error", "error", err)
					}
				}()
			}

			a.log.Infow("dess-monitor started")

			<-sigChan
			a.log.Infow("shutting down")
			cancel()
			if server != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = server.Stop(shutdownCtx)
			}

			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	var usr, pwd, companyKey string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login once and store the session",
		Long:  "Perform a login against the monitoring API and store the resulting session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.db.Close()

			if usr == "" {
				usr = a.cfg.Dess.Usr
			}
			if pwd == "" {
				pwd = a.cfg.Dess.Pwd
			}
			if companyKey == "" {
				companyKey = a.cfg.Dess.CompanyKey
			}
			if usr == "" || pwd == "" || companyKey == "" {
				return fmt.Errorf("usr, pwd and company key are required (flags, config, or DESS_USR/DESS_PWD/DESS_COMPANY_KEY)")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.sessions.LoginAndStore(ctx, usr, pwd, companyKey, "", nil); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			fmt.Println("Login successful. Session stored.")
			return nil
		},
	}
	cmd.Flags().StringVar(&usr, "usr", "", "account email")
	cmd.Flags().StringVar(&pwd, "pwd", "", "account password")
	cmd.Flags().StringVar(&companyKey, "company-key", "", "company key")
	return cmd
}

func fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch once for all tracked devices",
		Long:  "Run one snapshot, chart and key-parameter sweep for every tracked device",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.db.Close()

			devices, err := a.sessions.ListDevices()
			if err != nil {
				return err
			}
			var pns []string
			for _, d := range devices {
				pns = append(pns, d.PN)
			}
			if len(pns) == 0 {
				sess, err := a.sessions.Get()
				if err != nil {
					return err
				}
				if sess != nil {
					if pn := sess.Params()["pn"]; pn != "" {
						pns = append(pns, pn)
					}
				}
			}
			if len(pns) == 0 {
				return fmt.Errorf("no tracked devices; login first")
			}

			ctx := context.Background()
			now := time.Now()
			yesterday := now.AddDate(0, 0, -1)
			for _, pn := range pns {
				if err := a.ingest.FetchLatest(ctx, pn); err != nil {
					a.log.Warnw("latest fetch failed", "pn", pn, "error", err)
				}
				a.ingest.FetchChartSweep(ctx, pn, yesterday, now)
				a.ingest.FetchKeyParamsForDate(ctx, pn, now)
			}
			fmt.Printf("Fetched %d device(s).\n", len(pns))
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List tracked devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.db.Close()

			var devices []storage.Device
			if refresh {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				devices, err = a.sessions.RefreshDevices(ctx)
			} else {
				devices, err = a.sessions.ListDevices()
			}
			if err != nil {
				return err
			}

			output, _ := json.MarshalIndent(devices, "", "  ")
			fmt.Println(string(output))
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh the directory from the remote API first")
	return cmd
}
