package bootstrap

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"mailsync_server/adapter/in/http"
	"mailsync_server/config"
	"mailsync_server/infra/middleware"
	"mailsync_server/pkg/logger"
)

func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, every authenticated request will be rejected")
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             1 * 1024 * 1024,
		ServerHeader:          "",
		DisableDefaultDate:    true,
	})

	// Order matters: the logger must see the final status.
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
		} else {
			allowOrigins = "http://localhost:3000"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  allowOrigins,
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders: "X-Request-ID,Retry-After",
		MaxAge:        86400,
	}))

	http.NewHealthHandler(deps.DB, deps.SQLDB, deps.Redis, nil).Register(app)

	revocations := middleware.NewTokenRevocations(deps.Redis)
	api := app.Group("/api/v1",
		middleware.JWTAuth(cfg.JWTSecret, revocations),
		middleware.RateLimit(deps.Limiter, "api"),
	)

	http.NewSyncHandler(
		deps.SyncService,
		deps.Producer,
		deps.Producer,
		deps.ThreadNotifier,
		deps.Debouncer,
	).Register(api)

	logger.Info("API routes registered")
	return app, cleanup, nil
}
