package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/auth"
	"github.com/MarcoPoloResearchLab/diffsync/internal/catchup"
	"github.com/MarcoPoloResearchLab/diffsync/internal/config"
	"github.com/MarcoPoloResearchLab/diffsync/internal/events"
	"github.com/MarcoPoloResearchLab/diffsync/internal/hub"
	"github.com/MarcoPoloResearchLab/diffsync/internal/logging"
	"github.com/MarcoPoloResearchLab/diffsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/diffsync/internal/pipeline"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/MarcoPoloResearchLab/diffsync/internal/server"
	"github.com/MarcoPoloResearchLab/diffsync/internal/store"
	"github.com/MarcoPoloResearchLab/diffsync/internal/users"
	"github.com/MarcoPoloResearchLab/diffsync/internal/visibility"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "diffsync",
		Short: "Differential synchronization server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the synchronization server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		newTokenCommand(),
		newAccountCommand(),
		newPullCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("nats-url", "", "NATS server receiving commit events")
	cmd.PersistentFlags().Int("lot-size", defaults.GetInt("catchup.lot_size"), "Items per catch-up lot")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "catchup.lot_size", "lot-size")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("diffsync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	compiled, err := schema.Compile(appConfig.Schema)
	if err != nil {
		return err
	}

	db, err := store.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	storage, err := store.New(store.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	index, err := rebuildUniqueIndex(ctx, compiled, storage)
	if err != nil {
		return err
	}

	accounts, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	publisher, err := newPublisher(appConfig, logger)
	if err != nil {
		return err
	}
	defer publisher.Close() //nolint:errcheck

	registry := metrics.New()
	connections := hub.New(hub.Config{
		HeartbeatInterval: appConfig.HeartbeatInterval,
		HeartbeatTimeout:  appConfig.HeartbeatTimeout,
		SendBuffer:        appConfig.SendBuffer,
		Metrics:           registry,
		Logger:            logger.Named("hub"),
	})
	closure, err := visibility.New(visibility.Config{Schema: compiled, Loader: storage, Logger: logger.Named("visibility")})
	if err != nil {
		return err
	}
	loader, err := catchup.New(catchup.Config{
		Reader:  storage,
		Schema:  compiled,
		LotSize: appConfig.LotSize,
		Metrics: registry,
		Logger:  logger.Named("catchup"),
	})
	if err != nil {
		return err
	}
	units, err := pipeline.New(pipeline.Config{
		Schema:    compiled,
		Index:     index,
		Store:     storage,
		Closure:   closure,
		Notifier:  connections,
		Resync:    loader,
		Publisher: publisher,
		Metrics:   registry,
		QueueSize: appConfig.QueueSize,
		Logger:    logger.Named("pipeline"),
	})
	if err != nil {
		return err
	}
	defer units.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Accounts:       accounts,
		Schema:         compiled,
		Hub:            connections,
		Pipeline:       units,
		Catchup:        loader,
		Metrics:        registry,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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

	go connections.Run(signalCtx)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		connections.Shutdown()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// rebuildUniqueIndex loads the live keys of every table so uniqueness holds
// across restarts.
func rebuildUniqueIndex(ctx context.Context, compiled *schema.Schema, storage *store.Store) (*schema.UniqueIndex, error) {
	index := schema.NewUniqueIndex(compiled)
	for _, table := range compiled.Tables() {
		if len(table.Uniques) == 0 {
			continue
		}
		rows, err := storage.ListAllLive(ctx, table.Name)
		if err != nil {
			return nil, err
		}
		index.Rebuild(table.Name, rows)
	}
	return index, nil
}

func newPublisher(appConfig config.AppConfig, logger *zap.Logger) (events.Publisher, error) {
	if appConfig.NATSURL == "" {
		return &events.NoopPublisher{}, nil
	}
	publisher, err := events.NewNATSPublisher(appConfig.NATSURL)
	if err != nil {
		return nil, err
	}
	logger.Info("publishing commits", zap.String("nats_url", appConfig.NATSURL))
	return publisher, nil
}
