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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/rxvault/internal/config"
	"github.com/ehr/rxvault/internal/domain/prescription"
	"github.com/ehr/rxvault/internal/domain/template"
	"github.com/ehr/rxvault/internal/platform/auth"
	"github.com/ehr/rxvault/internal/platform/db"
	"github.com/ehr/rxvault/internal/platform/hipaa"
	"github.com/ehr/rxvault/internal/platform/keyexchange"
	"github.com/ehr/rxvault/internal/platform/middleware"
	"github.com/ehr/rxvault/internal/platform/view"
)

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	keys, err := newKeyExchange(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up key exchange")
	}

	// Services
	importer := hipaa.AESImporter{}
	codec := hipaa.NewRecordCodec(hipaa.NewFieldCodec(), logger.With().Str("component", "record_codec").Logger())
	templateSvc := template.NewService(template.NewVersionRepoPG(pool), logger.With().Str("component", "templates").Logger())
	prescriptionSvc := prescription.NewService(
		prescription.NewRecordRepoPG(pool), templateSvc, keys, importer, codec,
		logger.With().Str("component", "prescriptions").Logger(),
	)

	sessions := view.NewSessions(
		viewSources(pool, templateSvc, prescriptionSvc, keys, importer, codec),
		logger.With().Str("component", "view").Logger(),
		cfg.ViewSessionTTL,
		func(tenantID string) context.Context { return db.WithTenantID(ctx, tenantID) },
	)
	sessionsDone := make(chan struct{})
	go func() {
		defer close(sessionsDone)
		sessions.Run(ctx)
	}()

	e := newEcho(cfg, pool, logger)
	apiV1 := e.Group("/api/v1")
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	apiV1.Use(middleware.RecordAccess(logger))

	template.NewHandler(templateSvc).RegisterRoutes(apiV1)
	prescription.NewHandler(prescriptionSvc).RegisterRoutes(apiV1)
	view.NewHandler(sessions, cfg.ViewAwaitTimeout, logger).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Str("key_exchange", cfg.KeyExchange).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	<-sessionsDone
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))

	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	return e
}

func newKeyExchange(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (keyexchange.Backend, error) {
	switch cfg.KeyExchange {
	case config.KeyExchangeVault:
		client, err := keyexchange.NewVaultClient(keyexchange.VaultConfig{
			Address: cfg.VaultAddr,
			Token:   cfg.VaultToken,
			Mount:   cfg.VaultTransitMount,
			KeyName: cfg.VaultTransitKey,
		}, logger.With().Str("component", "keyexchange").Logger())
		if err != nil {
			return nil, err
		}
		if !client.Available(ctx) {
			logger.Warn().Str("addr", cfg.VaultAddr).Msg("vault is sealed or unreachable; key exchange will fail until it recovers")
		}
		return client, nil
	case config.KeyExchangeLocal:
		logger.Warn().Msg("using the local key exchange; keys are derived from KEY_EXCHANGE_SECRET")
		return keyexchange.NewLocalClientHex(cfg.KeyExchangeSecret)
	default:
		return nil, fmt.Errorf("unknown key exchange backend %q", cfg.KeyExchange)
	}
}

// viewSources adapts the services to the view loaders. Loads run in the
// background under the session's context, which carries only the tenant,
// so every load acquires its own tenant connection.
func viewSources(pool *pgxpool.Pool, templates *template.Service, prescriptions *prescription.Service, keys keyexchange.Client, importer hipaa.KeyImporter, codec *hipaa.RecordCodec) view.Sources {
	return view.Sources{
		Records: func(ctx context.Context, id string) (*view.Record, error) {
			var rec *view.Record
			err := db.WithTenantConn(ctx, pool, db.TenantFromContext(ctx), func(ctx context.Context) error {
				var err error
				rec, err = prescriptions.LoadViewRecord(ctx, id)
				return err
			})
			return rec, err
		},
		Schemas: func(ctx context.Context, code string, version int) (view.Schema, error) {
			var schema *template.Schema
			err := db.WithTenantConn(ctx, pool, db.TenantFromContext(ctx), func(ctx context.Context) error {
				var err error
				schema, err = templates.SchemaAt(ctx, code, version)
				return err
			})
			if err != nil {
				return nil, err
			}
			return schema, nil
		},
		Keys:     keys,
		Importer: importer,
		Codec:    codec,
	}
}
