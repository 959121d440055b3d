package bootstrap

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"mailsync_server/adapter/out/messaging"
	"mailsync_server/adapter/out/persistence"
	"mailsync_server/adapter/out/provider"
	"mailsync_server/config"
	"mailsync_server/core/service/auth"
	"mailsync_server/core/service/classification"
	mail "mailsync_server/core/service/email"
	"mailsync_server/infra/database"
	"mailsync_server/pkg/crypto"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/ratelimit"
)

type Dependencies struct {
	Config *config.Config
	DB     *pgxpool.Pool
	SQLDB  *sqlx.DB
	Redis  *redis.Client

	// Repositories
	ConversationRepo *persistence.ConversationAdapter
	CursorRepo       *persistence.CursorAdapter
	ConnectionRepo   *persistence.ConnectionAdapter
	RecordRepo       *persistence.RecordAdapter

	// Providers
	GmailProvider *provider.GmailAdapter

	// Messaging
	Producer       *messaging.RedisProducer
	ThreadNotifier *messaging.ThreadNotifier

	// Rate limiting
	Debouncer *ratelimit.Debouncer
	Limiter   *ratelimit.SlidingWindowLimiter

	// Services
	TokenService *auth.TokenService
	SyncService  *mail.SyncService
}

// NewDependencies connects Postgres and Redis and wires every service.
// The returned cleanup closes the connections.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	if cfg.RedisURL == "" {
		return nil, nil, errors.New("REDIS_URL is required for the sync job queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	pool, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = pool
	cleanups = append(cleanups, pool.Close)
	logger.Info("PostgreSQL connected")

	if cfg.DBAutoMigrate {
		if err := database.Migrate(ctx, pool); err != nil {
			cleanup()
			return nil, nil, err
		}
		logger.Info("Database schema applied")
	}

	sqlDB, err := database.NewSQLX(cfg.DatabaseURL, int(database.DefaultPostgresConfig().MaxConns))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { _ = sqlDB.Close() })

	rdb, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Redis = rdb
	cleanups = append(cleanups, func() { _ = rdb.Close() })
	logger.Info("Redis connected")

	var cipher *crypto.TokenCipher
	if cfg.EncryptionKey != "" {
		if cipher, err = crypto.NewTokenCipher(cfg.EncryptionKey); err != nil {
			cleanup()
			return nil, nil, err
		}
	} else {
		logger.Warn("ENCRYPTION_KEY not set, mailbox tokens are stored in plaintext")
	}

	deps.ConversationRepo = persistence.NewConversationAdapter(sqlDB)
	deps.CursorRepo = persistence.NewCursorAdapter(sqlDB)
	deps.ConnectionRepo = persistence.NewConnectionAdapter(sqlDB, cipher)
	deps.RecordRepo = persistence.NewRecordAdapter(sqlDB)

	deps.GmailProvider = provider.NewGmailAdapter(&provider.GmailConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		CallTimeout:  cfg.GmailCallTimeout,
	})

	deps.Producer = messaging.NewRedisProducer(rdb)
	deps.ThreadNotifier = messaging.NewThreadNotifier(rdb, cfg.ThreadCacheTTL)
	deps.Debouncer = ratelimit.NewDebouncer(rdb, 30*time.Second)
	deps.Limiter = ratelimit.NewSlidingWindowLimiter(rdb, 120, time.Minute)

	deps.TokenService = auth.NewTokenService(deps.GmailProvider, deps.ConnectionRepo)
	deps.SyncService = mail.NewSyncService(
		deps.ConversationRepo,
		deps.CursorRepo,
		deps.ConnectionRepo,
		deps.RecordRepo,
		deps.GmailProvider,
		deps.TokenService,
		classification.NewNoiseFilter(cfg.NoiseExtraDomains, cfg.NoiseExtraKeywords),
		deps.ThreadNotifier,
		mail.SyncConfig{
			Concurrency:        cfg.SyncConcurrency,
			DiscoverRecent:     cfg.SyncDiscoverRecent,
			DiscoverWindowDays: cfg.SyncDiscoverWindowDays,
			DiscoverMax:        int64(cfg.SyncDiscoverMax),
		},
	)

	return deps, cleanup, nil
}
