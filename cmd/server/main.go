package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xcancloud/AngusInfra-sub001/internal/config"
	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"github.com/xcancloud/AngusInfra-sub001/internal/utils"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

var configPath string

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobcore",
		Short:         "Distributed cron job scheduler with sharded and map-reduce execution",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "config file path (default config.yaml)")

	root.AddCommand(serveCommand(), migrateCommand(), sweepLocksCommand(), tokenCommand(), initConfigCommand())
	return root
}

// loadConfig reads the config file and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler node and the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := bootstrap(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.start(ctx); err != nil {
				a.shutdown(context.Background())
				return err
			}

			srv := &http.Server{
				Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
				Handler:           newRouter(a),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Infof("[Server] Listening on %s", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info().Msg("Shutdown signal received")
			case err = <-errCh:
				logger.Error().Err(err).Msg("HTTP server failed")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			// Open event streams would otherwise hold Shutdown until the deadline.
			a.events.Close()
			if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Warn().Err(shutdownErr).Msg("HTTP server shutdown incomplete")
			}
			a.shutdown(shutdownCtx)
			return err
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := models.InitDB(&cfg.Database); err != nil {
				return err
			}
			if err := models.AutoMigrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Infof("[Migrate] Schema is up to date (%s)", cfg.Database.Driver)
			return nil
		},
	}
}

func sweepLocksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-locks",
		Short: "Delete expired scheduler leases once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := models.InitDB(&cfg.Database); err != nil {
				return err
			}
			locks, closeStore, err := newLockManager(cfg, models.GetDB())
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := locks.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired locks\n", n)
			return nil
		},
	}
}

func tokenCommand() *cobra.Command {
	var (
		subject string
		role    string
		hours   int
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !utils.ValidRole(role) {
				return fmt.Errorf("role must be %q or %q", utils.RoleOperator, utils.RoleViewer)
			}
			utils.SetJWTSecret(cfg.Server.JWTSecret)
			token, err := utils.GenerateToken(subject, role, hours)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&role, "role", utils.RoleOperator, "operator or viewer")
	cmd.Flags().IntVar(&hours, "hours", 24, "validity in hours")
	return cmd
}

func initConfigCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the effective configuration to a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Save(out); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "config.yaml", "destination file")
	return cmd
}
