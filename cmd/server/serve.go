package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"securechat/internal/auth"
	"securechat/internal/clock"
	"securechat/internal/config"
	"securechat/internal/database"
	"securechat/internal/database/migrations"
	"securechat/internal/handlers"
	"securechat/internal/notecrypt"
	"securechat/internal/presence"
	"securechat/internal/registry"
	"securechat/internal/services"
	"securechat/internal/websocket"
	"securechat/pkg/logger"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		autoMigrate, _ := cmd.Flags().GetBool("auto-migrate")
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, autoMigrate)
	},
}

func openDatabase(ctx context.Context, cfg *config.Config, autoMigrate bool) (database.Database, error) {
	db, err := database.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pg, ok := db.(*database.PostgresDB)
	if !ok {
		logger.Warn("Using in-memory database; nothing survives a restart")
		return db, nil
	}

	sqlDB := stdlib.OpenDBFromPool(pg.Pool())
	if autoMigrate {
		if err := migrations.MigrateUp(sqlDB); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := migrations.CheckStatus(sqlDB); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema check failed (run `securechat migrate`): %w", err)
	}
	return db, nil
}

func openPresence(cfg config.PresenceConfig) (presence.Store, error) {
	if cfg.Type != string(presence.StoreTypeRedis) {
		return presence.NewStore(presence.StoreTypeMemory)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return presence.NewStore(presence.StoreTypeRedis, presence.WithRedisClient(client), presence.WithTTL(cfg.TTL))
}

func serve(ctx context.Context, cfg *config.Config, autoMigrate bool) error {
	db, err := openDatabase(ctx, cfg, autoMigrate)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := openPresence(cfg.Presence)
	if err != nil {
		return fmt.Errorf("failed to open presence store: %w", err)
	}
	defer store.Close()

	sealer, err := notecrypt.New(cfg.Notes.MasterKey, cfg.Notes.ScryptWorkFactor, cfg.Notes.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to initialize note crypto: %w", err)
	}
	if cfg.Notes.MasterKey == "" {
		logger.Warn("NOTES_MASTER_KEY is not set; generated an ephemeral key, notes will not survive a restart")
	}

	clk := clock.RealClock{}
	ids := clock.UUIDGenerator{}

	reg := registry.New(nil, store, clk, ids, cfg.Server.SendBuffer)
	router := services.NewRouter(db, reg, clk, ids)
	relay := services.NewRelay(db, router, clk, ids, cfg.Relay.MaxPayloadBytes)
	calls := services.NewCoordinator(router, reg, clk, ids, cfg.Calls.RingTimeout)
	notes := services.NewNotes(db, router, reg, sealer, clk, ids, cfg.Notes.MinPhraseLength, cfg.Relay.MaxPayloadBytes)
	keys := services.NewKeys(db, router, reg, clk)
	dispatcher := websocket.NewDispatcher(reg, router, relay, calls, notes, keys)

	authService := auth.NewService(cfg.JWT)
	wsHandlers := handlers.NewWebSocketHandlers(ctx, authService, reg, dispatcher, cfg.Server.AllowedOrigin, int64(cfg.Relay.MaxPayloadBytes)*2)
	convHandlers := handlers.NewConversationHandlers(router, reg, authService)

	mux := http.NewServeMux()
	convHandlers.Register(mux)
	mux.HandleFunc("GET /ws", wsHandlers.HandleWebSocket)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(cfg.Server.AllowedOrigin, mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go relay.Run(ctx, cfg.Relay.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server started on %s (websocket endpoint /ws)", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func corsMiddleware(allowedOrigin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
