package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/locallm/gateway/internal/alias"
	"github.com/locallm/gateway/internal/apitoken"
	"github.com/locallm/gateway/internal/config"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/handlers"
	"github.com/locallm/gateway/internal/inference"
	"github.com/locallm/gateway/internal/jwks"
	gwmw "github.com/locallm/gateway/internal/middleware"
	"github.com/locallm/gateway/internal/modelfile"
	"github.com/locallm/gateway/internal/ratelimit"
	"github.com/locallm/gateway/internal/secrets"
	"github.com/locallm/gateway/internal/session"
	"github.com/locallm/gateway/internal/storage"
	"github.com/locallm/gateway/internal/token"
	"github.com/locallm/gateway/internal/worker"
	"github.com/locallm/gateway/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if _, err := config.Init(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize settings")
	}

	log.Info().
		Str("version", config.Version).
		Str("auth_mode", config.AuthMode()).
		Str("data_dir", config.DataDir()).
		Msg("gateway starting")

	ctx := context.Background()

	secretStore, err := secrets.Open(config.DataDir())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open secret store")
	}

	aliases, err := alias.Open(config.DataDir())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open alias registry")
	}

	templates, err := inference.OpenTemplateStore(config.DataDir())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open chat template store")
	}

	puller, err := modelfile.New(config.DataDir(), aliases)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize modelfile puller")
	}

	sup := worker.New(aliases, worker.Config{
		Binary:        config.WorkerBinary(),
		PortBase:      config.WorkerPortBase(),
		MaxReady:      config.MaxReadyWorkers(),
		IdleTimeout:   config.WorkerIdleTimeout(),
		SpawnDeadline: config.WorkerSpawnDeadline(),
	})
	defer sup.Stop()

	router := inference.New(aliases, sup, templates)

	var (
		sessions   session.Store
		tokenStore apitoken.Store
		pool       *pgxpool.Pool
	)
	switch config.SessionBackend() {
	case "postgres":
		if err := storage.InitDB(ctx, config.DatabaseURL()); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer storage.CloseDB()
		if err := storage.RunMigrations(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		pool = storage.DB
		sessions = session.NewPostgresStore(pool)
		tokenStore = apitoken.NewPostgresStore(pool)
	default:
		sessions = session.NewMemoryStore()
		tokenStore = apitoken.NewMemoryStore()
	}
	defer sessions.Stop()

	keys := jwks.New(config.Issuer(), 10*time.Minute)
	reg := secretStore.AppRegInfo()
	tokens := token.New(config.Issuer(), reg.ClientID, reg.ClientSecret, keys)

	tokenManager := apitoken.New(tokenStore, tokens)
	tokens.SetRevocationChecker(tokenManager)

	setupLimiter := ratelimit.NewLimiter(ratelimit.Config{MaxRequests: 3, WindowPeriod: 15 * time.Minute}, "setup")
	defer setupLimiter.Stop()

	loginLockout := ratelimit.NewAccountLockout(ratelimit.DefaultLockoutConfig(), "login:lockout")
	defer loginLockout.Stop()

	appHandler := handlers.NewApp(secretStore, setupLimiter)
	loginHandler := handlers.NewLogin(secretStore, sessions, tokens, loginLockout)
	modelsHandler := handlers.NewModels(aliases, templates)
	chatHandler := handlers.NewChat(router)
	modelFilesHandler := handlers.NewModelFiles(puller)
	tokensHandler := handlers.NewTokens(tokenManager, sessions, tokens)
	devHandler := handlers.NewDev(secretStore)
	events := ws.New(aliases, sup)

	authMW := gwmw.Auth(tokens, sessions)

	roleUser, roleAdmin, rolePowerUser := domain.RoleUser, domain.RoleAdmin, domain.RolePowerUser
	scopeUser, scopePowerUser := domain.ScopeUser, domain.ScopePowerUser

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(gwmw.SecurityHeaders)
	r.Use(gwmw.MaxBodySize(gwmw.DefaultMaxBodySize))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   config.CORSAllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	// Public routes (spec.md §6: no auth required).
	r.Group(func(r chi.Router) {
		r.Get("/ping", handlers.Ping)
		r.Get("/app/info", appHandler.Info)
		r.Post("/app/setup", appHandler.Setup)
		r.Get("/app/login", loginHandler.Start)
		r.Get("/app/login/callback", loginHandler.Callback)
	})

	// Session-aware routes: the Auth Middleware still classifies whatever
	// credential is present, but no role is required here: CurrentUser
	// reports an absent or expired session as unauthenticated, and Logout
	// succeeds without one.
	r.Group(func(r chi.Router) {
		r.Use(authMW)
		r.Use(gwmw.CSRFProtection)
		r.Post("/api/ui/logout", loginHandler.Logout)
		r.Get("/api/ui/user", loginHandler.CurrentUser)
	})

	// Role user / TokenScope user tier.
	r.Group(func(r chi.Router) {
		r.Use(authMW)
		r.Use(gwmw.Require(&roleUser, &scopeUser))
		r.Get("/v1/models", modelsHandler.ListOpenAI)
		r.Get("/v1/models/{id}", modelsHandler.GetOpenAI)
		r.Post("/v1/chat/completions", chatHandler.Completions)
		r.Get("/api/tags", modelsHandler.Tags)
		r.Post("/api/show", modelsHandler.Show)
		r.Post("/api/chat", chatHandler.OllamaChat)
		r.Get("/api/ui/models", modelsHandler.ListUI)
		r.Get("/api/ui/models/{id}", modelsHandler.GetUI)
		r.Get("/api/ui/modelfiles", modelFilesHandler.List)
		r.Get("/api/ui/chat_templates", modelsHandler.ChatTemplates)
		r.Get("/ws/events", events.ServeHTTP)
	})

	// Role power_user / TokenScope power_user tier: model CRUD and pulls.
	// No CSRFProtection here — this tier is reachable by bearer-token
	// clients that never hold a CSRF cookie.
	r.Group(func(r chi.Router) {
		r.Use(authMW)
		r.Use(gwmw.Require(&rolePowerUser, &scopePowerUser))
		r.Post("/api/ui/models", modelsHandler.CreateUI)
		r.Put("/api/ui/models/{id}", modelsHandler.UpdateUI)
		r.Get("/api/ui/modelfiles/pull", modelFilesHandler.PullList)
		r.Post("/api/ui/modelfiles/pull", modelFilesHandler.Pull)
		r.Get("/api/ui/modelfiles/pull/status/{id}", modelFilesHandler.PullStatus)
	})

	// Role power_user, session-only tier: token management never accepts a
	// bearer-token scope (spec.md §4.3's required_scope: None path).
	r.Group(func(r chi.Router) {
		r.Use(authMW)
		r.Use(gwmw.Require(&rolePowerUser, nil))
		r.Use(gwmw.CSRFProtection)
		r.Post("/api/ui/tokens", tokensHandler.Create)
		r.Get("/api/ui/tokens", tokensHandler.List)
		r.Put("/api/ui/tokens/{id}", tokensHandler.Update)
	})

	// Admin, development-only tier.
	r.Group(func(r chi.Router) {
		r.Use(authMW)
		r.Use(gwmw.Require(&roleAdmin, nil))
		r.Use(gwmw.DevOnly)
		r.Get("/dev/secrets", devHandler.Secrets)
	})

	srv := &http.Server{
		Addr:        config.HTTPAddr(),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout is left at zero: chat completions stream tokens for
		// the lifetime of the request, which can run well past any fixed
		// per-request write deadline.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", config.HTTPAddr()).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("exited gracefully")
}
