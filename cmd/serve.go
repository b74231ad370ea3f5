package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/database"
	"github.com/kozaktomas/faceid/internal/database/postgres"
	"github.com/kozaktomas/faceid/internal/extractor"
	"github.com/kozaktomas/faceid/internal/identity"
	"github.com/kozaktomas/faceid/internal/web"
	"github.com/kozaktomas/faceid/internal/web/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the faceid API server.

The server exposes registration, password and face login, image recognition
and account maintenance under /api/v1.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides config)")
	serveCmd.Flags().Int("bcrypt-cost", 0, "bcrypt cost for new passwords (0 = library default)")
}

// sessionRepository returns persistent session storage when the backend
// offers it. Other backends keep sessions in memory only.
func sessionRepository(store database.Store) middleware.SessionRepository {
	if indexed, ok := store.(*database.IndexedStore); ok {
		store = indexed.Store
	}
	if pg, ok := store.(*postgres.Store); ok {
		return postgres.NewSessionRepository(pg.Pool())
	}
	return nil
}

// saveIndex writes the vector index snapshot during shutdown.
func saveIndex(ctx context.Context, store database.Store, logger *slog.Logger) {
	rebuilder, ok := store.(database.IndexRebuilder)
	if !ok {
		return
	}
	if err := rebuilder.SaveIndex(ctx); err != nil {
		logger.Warn("failed to save vector index", "error", err)
		return
	}
	logger.Info("vector index saved", "vectors", rebuilder.IndexCount())
}

func buildServices(cfg *config.Config, store database.Store, bcryptCost int, logger *slog.Logger) web.Services {
	sessions := middleware.NewSessionManager(cfg.Server.SessionSecret, cfg.Server.SessionTTL, sessionRepository(store), logger)
	if cfg.Server.SessionSecret == "" {
		logger.Warn("no session secret configured, tokens will not survive a restart")
	}

	accounts := identity.NewAccountService(store, identity.NewBcryptHasher(bcryptCost), logger)
	auth := identity.NewAuthenticator(
		accounts,
		identity.NewMatcher(store, store),
		sessions,
		extractor.New(cfg.Extractor),
		identity.AuthConfig{
			Threshold:   cfg.MatchThreshold(),
			Diagnostics: cfg.Matcher.Diagnostics,
		},
		logger,
	)
	return web.Services{Auth: auth, Accounts: accounts, Sessions: sessions}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Server.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Server.Host = host
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("matcher configured", "model", cfg.Matcher.Model, "threshold", cfg.MatchThreshold(),
		"diagnostics", cfg.Matcher.Diagnostics)

	server := web.NewServer(cfg, buildServices(cfg, store, mustGetInt(cmd, "bcrypt-cost"), logger), logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigChan
		logger.Info("shutdown requested")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	}()

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	<-shutdownDone
	saveIndex(ctx, store, logger)
	return nil
}
