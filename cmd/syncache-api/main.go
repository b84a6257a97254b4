package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/syncache/internal/cache"
	"github.com/MarcoPoloResearchLab/syncache/internal/config"
	"github.com/MarcoPoloResearchLab/syncache/internal/database"
	"github.com/MarcoPoloResearchLab/syncache/internal/logging"
	"github.com/MarcoPoloResearchLab/syncache/internal/metrics"
	"github.com/MarcoPoloResearchLab/syncache/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncache-api",
		Short: "Offline-first cache service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

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
	cmd.PersistentFlags().Int("max-fetch-pages", defaults.GetInt("fetch.max_pages"), "Page ceiling for fetch-all cycles")
	cmd.PersistentFlags().Int("cache-read-limit", defaults.GetInt("fetch.cache_read_limit"), "Row limit for cache-only reads")
	cmd.PersistentFlags().Int("remote-page-size", defaults.GetInt("fetch.remote_page_size"), "Assumed items per remote page")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "fetch.max_pages", "max-fetch-pages")
	bindFlag(cmd, "fetch.cache_read_limit", "cache-read-limit")
	bindFlag(cmd, "fetch.remote_page_size", "remote-page-size")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := cache.NewItemStore(cache.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	views, err := cache.NewViewIndex(cache.ViewIndexConfig{
		Database:   db,
		IDProvider: cache.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	bus := cache.NewReloadBus()
	engineMetrics := metrics.NewMetrics()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:   store,
		Views:   views,
		Bus:     bus,
		Logger:  logger,
		Metrics: engineMetrics,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
