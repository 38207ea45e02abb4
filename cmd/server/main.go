package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"survey-bot/internal/auth"
	"survey-bot/internal/bot"
	"survey-bot/internal/config"
	"survey-bot/internal/fsm"
	"survey-bot/internal/survey"
	"survey-bot/pkg/cache"
	"survey-bot/pkg/database"
	"survey-bot/pkg/logger"
	"survey-bot/pkg/metrics"
	"survey-bot/pkg/websocket"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zlog, err := logger.New(logger.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	db, err := database.Open(&cfg.Database)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db, &fsm.Record{}); err != nil {
		zlog.Fatal("failed to migrate database", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	surveyRepo := survey.NewRepository(db, zlog.Named("survey"))
	if err := surveyRepo.EnsureGroups(ctx, cfg.GroupNames); err != nil {
		zlog.Fatal("failed to seed groups", zap.Error(err))
	}
	if err := seedAccounts(ctx, surveyRepo, cfg); err != nil {
		zlog.Fatal("failed to seed accounts", zap.Error(err))
	}

	var (
		redisCache *cache.RedisCache
		statsCache survey.StatsCache
	)
	if cfg.RedisAddr != "" {
		redisCache = cache.NewRedisCache(cfg.RedisAddr)
		defer redisCache.Close()
		if err := redisCache.Ping(ctx); err != nil {
			if cfg.FSMStorage == "redis" {
				zlog.Fatal("redis unavailable", zap.Error(err))
			}
			zlog.Warn("redis unavailable, statistics are not cached", zap.Error(err))
		} else {
			statsCache = redisCache
		}
	}

	var storage fsm.Storage
	switch cfg.FSMStorage {
	case "redis":
		storage = fsm.NewRedisStorage(redisCache.Client(), cfg.FSMTTL)
	case "memory":
		zlog.Warn("conversation state is kept in memory and will not survive a restart")
		storage = fsm.NewMemoryStorage()
	default:
		storage = fsm.NewGormStorage(db)
	}

	m := metrics.New("survey_bot")
	statsService := survey.NewStatsService(surveyRepo, statsCache, cfg.StatsCacheTTL, zlog.Named("stats"))

	authRepo := auth.NewRepository(db, zlog.Named("auth"))
	authService := auth.NewService(authRepo, cfg.JWTSecret, cfg.JWTTTL, zlog.Named("auth"))

	wsHub := websocket.NewHub(m, zlog.Named("chat"))
	go wsHub.Run(ctx)

	surveyBot := bot.New(bot.Options{
		Repo:    surveyRepo,
		Stats:   statsService,
		Machine: fsm.New(storage),
		Sender:  wsHub,
		Roles:   cfg,
		Keys:    authService,
		Metrics: m,
		Logger:  zlog.Named("bot"),
	})
	gateway := bot.NewGateway(surveyBot, cfg.BotSecret, cfg.RateLimitPerSec, cfg.RateLimitBurst, zlog.Named("gateway"))
	wsHub.SetDispatcher(gateway)

	authHandler := auth.NewHandler(authService)
	surveyHandler := survey.NewHandler(surveyRepo, statsService, zlog.Named("api"))

	router := mux.NewRouter()

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Bot-Secret", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	handler := corsMiddleware.Handler(router)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.PingContext(r.Context()) != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}).Methods("GET")
	router.Handle("/metrics", m.Handler()).Methods("GET")

	// Bot transports - shared secret
	router.HandleFunc("/api/bot/messages", gateway.HandleMessage).Methods("POST")
	router.HandleFunc("/ws/chat", wsHub.HandleWebSocket)

	// Auth routes - no JWT required
	router.HandleFunc("/api/auth/token", authHandler.Token).Methods("POST", "OPTIONS")

	// Poll routes - JWT required, admins and teachers only
	apiRouter := router.PathPrefix("/api/polls").Subrouter()
	apiRouter.Use(auth.JWTMiddleware(authService), auth.RequireAuthor)
	apiRouter.HandleFunc("", surveyHandler.ListPolls).Methods("GET")
	apiRouter.HandleFunc("/{pollID:[0-9]+}/stats", surveyHandler.GetStats).Methods("GET")
	apiRouter.HandleFunc("/{pollID:[0-9]+}/export.csv", surveyHandler.ExportCSV).Methods("GET")

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		zlog.Info("server starting", zap.String("addr", cfg.HTTPAddr), zap.String("fsm_storage", cfg.FSMStorage))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("server forced to shutdown", zap.Error(err))
	}
	zlog.Info("server shutdown gracefully")
}

// seedAccounts creates allow-listed accounts and keeps their stored role in
// line with the configuration.
func seedAccounts(ctx context.Context, repo *survey.Repository, cfg *config.Config) error {
	for externalID, role := range cfg.KnownIDs() {
		account, _, err := repo.EnsureAccount(ctx, externalID, role)
		if err != nil {
			return err
		}
		if account.Role != role {
			if err := repo.SetAccountRole(ctx, account.ID, role); err != nil {
				return err
			}
		}
	}
	return nil
}
