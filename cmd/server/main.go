package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/KAPSULA1/relaydesk/internal/auth"
	"github.com/KAPSULA1/relaydesk/internal/channel"
	"github.com/KAPSULA1/relaydesk/internal/config"
	"github.com/KAPSULA1/relaydesk/internal/gateway"
	"github.com/KAPSULA1/relaydesk/internal/handler"
	"github.com/KAPSULA1/relaydesk/internal/migrations"
	"github.com/KAPSULA1/relaydesk/internal/presence"
	"github.com/KAPSULA1/relaydesk/internal/ratelimit"
	"github.com/KAPSULA1/relaydesk/internal/store"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
	"github.com/KAPSULA1/relaydesk/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔路徑")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("服務異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis：令牌、在線名單、限流
	redisOpts, err := redisOptions(cfg)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := seed(ctx, cfg, st, log); err != nil {
		return err
	}

	ch, nc, err := openChannel(cfg, log)
	if err != nil {
		return err
	}

	tokens := auth.NewManager(rdb, st, auth.ManagerConfig{
		Secret:     []byte(cfg.Auth.JWTSecret),
		Issuer:     cfg.Auth.Issuer,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
		WSTokenTTL: cfg.Auth.WSTokenTTL,
	}, log)
	gatekeeper := auth.NewGatekeeper(tokens, st, st, log)
	tracker := presence.NewTracker(rdb, presence.Config{
		TTL:        cfg.Presence.TTL,
		MaxRetries: cfg.Presence.MaxRetries,
	}, log)

	gw := gateway.New(gatekeeper, ch, tracker, st, gateway.Options{
		SendBuffer:       cfg.Gateway.SendBuffer,
		PingInterval:     cfg.Gateway.PingInterval,
		PongWait:         cfg.Gateway.PongWait,
		WriteWait:        cfg.Gateway.WriteWait,
		MaxFrameSize:     cfg.Gateway.MaxFrameSize,
		MaxMessageLength: cfg.Gateway.MaxMessageLength,
		TeardownTimeout:  cfg.Gateway.TeardownTimeout,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
	}, log)

	checks := []handler.Check{
		{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		{Name: "store", Ping: st.Ping},
	}
	if nc != nil {
		checks = append(checks, handler.Check{Name: "nats", Ping: func(context.Context) error {
			if status := nc.Status(); status != nats.CONNECTED {
				return fmt.Errorf("nats status %s", status)
			}
			return nil
		}})
	}

	deps := handler.Deps{
		Tokens:           tokens,
		Store:            st,
		Presence:         tracker,
		Publisher:        ch,
		MaxMessageLength: cfg.Gateway.MaxMessageLength,
		WebSocket:        gw.ServeWS,
		Stats:            gw.Stats,
		Checks:           checks,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		Logger:           log,
	}
	if cfg.RateLimit.Enabled {
		deps.Limiter = ratelimit.NewLimiter(rdb)
		deps.RateLimit = ratelimit.Policy{
			Rules: map[string]ratelimit.Rule{
				ratelimit.CategoryDefault: rule(cfg.RateLimit.Default),
				ratelimit.CategoryAuth:    rule(cfg.RateLimit.Auth),
				ratelimit.CategoryAPI:     rule(cfg.RateLimit.API),
			},
			Categories: ratelimit.DefaultCategories(),
			Bypass:     cfg.RateLimit.BypassPrefixes,
			FailOpen:   cfg.RateLimit.FailOpen,
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.New(deps).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("relaydesk 啟動",
			"port", cfg.Server.Port,
			"environment", cfg.Environment,
			"storage", cfg.Storage.Backend,
			"nats", nc != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("收到關閉信號，開始優雅關閉...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 先停止接受新請求，再關閉既有的 WebSocket 連線
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP 服務關閉失敗", "error", err)
		}
		if err := gw.Stop(shutdownCtx); err != nil {
			log.Error("閘道關閉逾時", "error", err)
		}
		if nc != nil {
			if err := nc.Drain(); err != nil {
				log.Warn("NATS drain 失敗", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("服務器已關閉")
	return nil
}

// openStore 依設定選擇存儲後端
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.Storage.Backend == "memory" {
		log.Warn("使用記憶體存儲，重啟後資料會遺失")
		return store.NewMemory(), nil
	}

	dsn := cfg.PostgresDSN()
	if err := migrations.Run(dsn, log); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pgConfig.MaxConns = cfg.Postgres.MaxConns
	pgConfig.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store.NewPostgres(pool), nil
}

// openChannel NATS 啟用時跨實例廣播，否則只在本程序內廣播
func openChannel(cfg *config.Config, log *slog.Logger) (channel.Channel, *nats.Conn, error) {
	if !cfg.NATS.Enabled {
		return channel.NewLocal(log), nil, nil
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS 連線中斷", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return channel.NewNATS(nc, cfg.NATS.SubjectPrefix, log), nc, nil
}

// seed 建立設定中列出的用戶與房間，已存在的略過
func seed(ctx context.Context, cfg *config.Config, st store.Store, log *slog.Logger) error {
	var owner string

	for _, u := range cfg.Storage.SeedUsers {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash seed password: %w", err)
		}

		created, err := st.CreateUser(ctx, u.Username, u.Email, string(hash))
		switch {
		case err == nil:
			log.Info("已建立種子用戶", "username", u.Username)
		case apperrors.IsAlreadyExists(err):
			created, err = st.GetUserByUsername(ctx, u.Username)
			if err != nil {
				return fmt.Errorf("load seed user %s: %w", u.Username, err)
			}
		default:
			return fmt.Errorf("seed user %s: %w", u.Username, err)
		}
		if owner == "" {
			owner = created.ID
		}
	}

	for _, name := range cfg.Storage.SeedRooms {
		room, err := st.CreateRoom(ctx, store.CreateRoomInput{Name: name, CreatedBy: owner})
		switch {
		case err == nil:
			log.Info("已建立種子房間", "room_slug", room.Slug)
		case apperrors.IsAlreadyExists(err):
		default:
			return fmt.Errorf("seed room %s: %w", name, err)
		}
	}
	return nil
}

// redisOptions REDIS_URL 優先，否則使用個別欄位
func redisOptions(cfg *config.Config) (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if cfg.Redis.URL != "" {
		parsed, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	opts.PoolSize = cfg.Redis.PoolSize
	opts.MinIdleConns = cfg.Redis.MinIdleConns
	opts.MaxRetries = cfg.Redis.MaxRetries
	opts.ReadTimeout = cfg.Redis.ReadTimeout
	opts.WriteTimeout = cfg.Redis.WriteTimeout
	return opts, nil
}

func rule(r config.Rule) ratelimit.Rule {
	return ratelimit.Rule{MaxRequests: r.MaxRequests, Window: r.Window}
}
