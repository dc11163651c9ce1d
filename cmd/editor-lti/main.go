package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/contentforge/editor-lti/internal/config"
	"github.com/contentforge/editor-lti/internal/db"
	"github.com/contentforge/editor-lti/internal/embed"
	"github.com/contentforge/editor-lti/internal/keys"
	"github.com/contentforge/editor-lti/internal/launch"
	"github.com/contentforge/editor-lti/internal/platform"
	"github.com/contentforge/editor-lti/internal/store"
	"github.com/contentforge/editor-lti/internal/token"
)

func main() {
	cfg := config.FromEnv()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}

	st := store.New(dbh, logger)
	eph := store.NewEphemeral(st, logger)
	eph.SessionTTL = cfg.EmbedSessionTTL
	eph.NonceTTL = cfg.EmbedNonceTTL
	eph.StartSweeper(context.Background(), time.Minute)

	// --- Keys and tokens ---
	dir := keys.NewDirectory(logger)
	dir.DisableCache = cfg.DisableKeyCache
	minter := token.NewMinter(cfg.TokenSecret)
	signer := &token.ClaimSigner{Keys: dir}

	// --- Platform registry ---
	reg := platform.NewRegistry()
	if cfg.PlatformIssuer != "" {
		if err := reg.Register(platform.Config{
			Issuer:         cfg.PlatformIssuer,
			Name:           cfg.PlatformName,
			ClientID:       cfg.PlatformClientID,
			AuthEndpoint:   cfg.PlatformAuthEndpoint,
			TokenEndpoint:  cfg.PlatformTokenEndpoint,
			KeysetEndpoint: cfg.PlatformKeysetEndpoint,
		}); err != nil {
			logger.Fatal("register platform", zap.Error(err))
		}
	}
	if cfg.AssetProviderIssuer != "" {
		if err := reg.Register(platform.Config{
			Issuer:          cfg.AssetProviderIssuer,
			Name:            cfg.AssetProviderName,
			ClientID:        cfg.AssetProviderClientID,
			AuthEndpoint:    cfg.AssetProviderAuthEndpoint,
			KeysetEndpoint:  cfg.AssetProviderKeysetEndpoint,
			LoginEndpoint:   cfg.AssetProviderLoginEndpoint,
			LaunchEndpoint:  cfg.AssetProviderLaunchEndpoint,
			DetailsEndpoint: cfg.AssetProviderDetailsEndpoint,
			AssetProvider:   true,
		}); err != nil {
			logger.Fatal("register asset provider", zap.Error(err))
		}
	}

	// --- Services ---
	launchSvc := &launch.Service{
		Store:     st,
		Registry:  reg,
		Keys:      dir,
		Minter:    minter,
		Signer:    signer,
		Ephemeral: eph,
		EditorURL: cfg.EditorURL,
		Log:       logger,
	}
	embedSvc := &embed.Service{
		Ephemeral: eph,
		Registry:  reg,
		Keys:      dir,
		Minter:    minter,
		Signer:    signer,
		EditorURL: cfg.EditorURL,
		Log:       logger,
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.EditorURL},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/lti/login", launchSvc.OIDCLogin())
	r.Post("/lti/login", launchSvc.OIDCLogin())
	r.Post("/lti/launch", launchSvc.Launch())
	r.Get("/lti/keys", dir.JWKSHandler())
	r.Post("/lti/keys", dir.JWKSHandler())
	r.Head("/lti/keys", dir.JWKSHandler())

	r.Get("/entity", launchSvc.GetEntity())
	r.Put("/entity", launchSvc.PutEntity())

	r.Get("/embed/start", embedSvc.Start())
	r.Get("/embed/login", embedSvc.Login())
	r.Get("/embed/keys", dir.JWKSHandler())
	r.Post("/embed/keys", dir.JWKSHandler())
	r.Head("/embed/keys", dir.JWKSHandler())
	r.Post("/embed/done", embedSvc.Done())
	r.Get("/embed/get", embedSvc.Get())

	logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("editorUrl", cfg.EditorURL))
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		logger.Fatal("http server", zap.Error(err))
	}
}
