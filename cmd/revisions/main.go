package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/revisions/internal/auth"
	"github.com/MarcoPoloResearchLab/revisions/internal/config"
	"github.com/MarcoPoloResearchLab/revisions/internal/database"
	"github.com/MarcoPoloResearchLab/revisions/internal/logging"
	"github.com/MarcoPoloResearchLab/revisions/internal/notes"
	"github.com/MarcoPoloResearchLab/revisions/internal/server"
	"github.com/MarcoPoloResearchLab/revisions/internal/versioning"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the viper instance shared by the subcommands.
type cli struct {
	viper   *viper.Viper
	cfgFile string
}

func newRootCommand() *cobra.Command {
	app := &cli{viper: config.NewViper()}
	rootCmd := &cobra.Command{
		Use:           "revisions",
		Short:         "Versioned notes service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.initConfig()
		},
	}

	app.setupFlags(rootCmd)
	rootCmd.AddCommand(app.newServeCommand(), app.newHistoryCommand(), app.newTokenCommand())
	return rootCmd
}

func (a *cli) setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	flags.String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	flags.String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt(config.KeyTokenTTLMinutes), "Token TTL in minutes")
	flags.Int("retention-limit", defaults.GetInt(config.KeyRetentionLimit), "Note versions kept per note (0 keeps all)")

	a.bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	a.bindFlag(cmd, config.KeyDatabasePath, "database-path")
	a.bindFlag(cmd, config.KeyLogLevel, "log-level")
	a.bindFlag(cmd, config.KeySigningSecret, "signing-secret")
	a.bindFlag(cmd, config.KeyTokenTTLMinutes, "token-ttl-minutes")
	a.bindFlag(cmd, config.KeyRetentionLimit, "retention-limit")
}

func (a *cli) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := a.viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (a *cli) initConfig() error {
	if a.cfgFile == "" {
		return nil
	}
	a.viper.SetConfigFile(a.cfgFile)
	if err := a.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", a.cfgFile, err)
	}
	return nil
}

// environment opens the pieces every subcommand needs.
func (a *cli) environment() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(a.viper)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*database.Database, error) {
	return database.OpenSQLite(database.Config{
		Path:           appConfig.DatabasePath,
		Logger:         logger,
		LogLevel:       appConfig.LogLevel,
		RetentionLimit: appConfig.RetentionLimit,
	})
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	if err := appConfig.RequireSigningSecret(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func (a *cli) newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServer(cmd.Context())
		},
	}
}

func (a *cli) runServer(ctx context.Context) error {
	appConfig, logger, err := a.environment()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tokenManager, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db.DB,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
		Models:     db.Models,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		NotesService: notesService,
		Logger:       logger,
		Realtime:     server.NewRealtimeDispatcher(),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (a *cli) newHistoryCommand() *cobra.Command {
	var modelName string
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Manage history tables",
	}
	historyCmd.PersistentFlags().StringVar(&modelName, "model", notes.HistoryModelNote, "History model name")

	historyCmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create the history table of a model",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withHistoryModel(modelName, func(db *database.Database, model *versioning.Model) error {
					if err := model.CreateHistoryTable(db.DB); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", model.HistoryTable())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "update",
			Short: "Add missing columns to the history table of a model",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withHistoryModel(modelName, func(db *database.Database, model *versioning.Model) error {
					drifted, err := model.UpdateHistoryTable(db.DB)
					if err != nil {
						return err
					}
					reportDrift(cmd.OutOrStdout(), model.HistoryTable(), drifted)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "drop",
			Short: "Drop the history table of a model",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withHistoryModel(modelName, func(db *database.Database, model *versioning.Model) error {
					if err := model.DropHistoryTable(db.DB); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", model.HistoryTable())
					return nil
				})
			},
		},
	)
	return historyCmd
}

func (a *cli) withHistoryModel(name string, run func(*database.Database, *versioning.Model) error) error {
	appConfig, logger, err := a.environment()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	model, err := db.HistoryModel(name)
	if err != nil {
		return err
	}
	return run(db, model)
}

func reportDrift(out io.Writer, table string, drifted []versioning.DriftedColumn) {
	if len(drifted) == 0 {
		fmt.Fprintf(out, "%s is in sync\n", table)
		return
	}
	for _, column := range drifted {
		fmt.Fprintf(out, "unknown column %s\n", column)
	}
}

func (a *cli) newTokenCommand() *cobra.Command {
	var subject string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(a.viper)
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires in %ds\n", token, expiresIn)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "", "Token subject (user id)")
	if err := tokenCmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}
	return tokenCmd
}
