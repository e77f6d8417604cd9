package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"roomchat/internal/auth"
	"roomchat/internal/bus"
	"roomchat/internal/config"
	"roomchat/internal/db"
	clog "roomchat/internal/log"
	"roomchat/internal/ratelimit"
	"roomchat/internal/server"
	"roomchat/internal/service"
	"roomchat/internal/store"
	"roomchat/internal/store/gormstore"
	"roomchat/internal/store/memstore"
	"roomchat/internal/ws"
)

// closer 按注册顺序的逆序在停服时执行。
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var closers []closer

	st, ready, err := openStore(cfg, &closers)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open store")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
		}
		closers = append(closers, closer{"redis", func(context.Context) error { return rdb.Close() }})
	}

	limiter := newLimiter(rdb, &closers)
	b, err := newBus(cfg, rdb, &closers)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.BusDriver).Msg("open bus")
	}

	audit := service.NewAuditLog(st)
	sessions := service.NewSessionStore(st, audit)
	rooms, err := service.NewRoomRegistry(st, st, audit)
	if err != nil {
		log.Fatal().Err(err).Msg("room registry")
	}
	messages := service.NewMessageService(sessions, rooms, st, audit, b)

	gwCfg := ws.DefaultConfig()
	gwCfg.SendLimit = cfg.SendLimit
	gwCfg.SendWindow = cfg.SendWindow
	gwCfg.PongWait = cfg.WSReadTimeout
	gwCfg.PingInterval = cfg.WSReadTimeout / 2
	gwCfg.SendBuffer = cfg.WSSendBuffer
	gw := ws.New(sessions, rooms, messages, audit, limiter, b, gwCfg)
	mod := service.NewModeration(sessions, rooms, st, audit, gw)

	if cfg.AdminPasswordHash == "" {
		log.Warn().Msg("ADMIN_PASSWORD_HASH not set, admin login disabled")
	}
	throttle := server.DefaultThrottle()
	closers = append(closers, closer{"throttle", func(context.Context) error { throttle.Stop(); return nil }})

	r := server.SetupRouter(server.Deps{
		Config:     cfg,
		Sessions:   sessions,
		Rooms:      rooms,
		Messages:   messages,
		Moderation: mod,
		Audit:      audit,
		Gateway:    gw,
		Limiter:    limiter,
		Admin: auth.Admin{
			User:         cfg.AdminUser,
			PasswordHash: cfg.AdminPasswordHash,
			Secret:       cfg.JWTSecret,
			TTL:          cfg.AccessTokenTTL(),
		},
		Throttle: throttle,
		Ready:    ready,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.DBDriver).Str("bus", cfg.BusDriver).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		// 先停 HTTP 与网关，再按逆序关闭总线、限流、缓存和数据库。
		"roomchat": func(ctx context.Context) error {
			var errs []error
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http: %w", err))
			}
			if err := gw.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("gateway: %w", err))
			}
			for i := len(closers) - 1; i >= 0; i-- {
				if err := closers[i].fn(ctx); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", closers[i].name, err))
				}
			}
			return errors.Join(errs...)
		},
	})
	code := <-wait
	log.Info().Int("code", code).Msg("server exited")
	os.Exit(code)
}

func openStore(cfg config.Config, closers *[]closer) (store.Store, func(context.Context) error, error) {
	if cfg.DBDriver == config.DriverMemory {
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return memstore.New(), nil, nil
	}
	gdb, err := db.Connect(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	*closers = append(*closers, closer{"db", func(context.Context) error { return db.Close(gdb) }})
	ready := func(ctx context.Context) error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
	return gormstore.New(gdb), ready, nil
}

// newLimiter 配置了 Redis 时多节点共享计数，否则使用进程内计数。
func newLimiter(rdb *redis.Client, closers *[]closer) ratelimit.Limiter {
	if rdb != nil {
		return ratelimit.NewRedis(rdb)
	}
	mem := ratelimit.NewMemory()
	go mem.Run(context.Background(), time.Minute)
	*closers = append(*closers, closer{"limiter", func(context.Context) error { mem.Stop(); return nil }})
	return mem
}

func newBus(cfg config.Config, rdb *redis.Client, closers *[]closer) (bus.Bus, error) {
	var b bus.Bus
	switch cfg.BusDriver {
	case config.BusRedis:
		if rdb == nil {
			return nil, errors.New("redis bus requires REDIS_ADDR")
		}
		b = bus.NewRedis(rdb, bus.DefaultBuffer)
	case config.BusNATS:
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("roomchat"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		*closers = append(*closers, closer{"nats", func(context.Context) error { return nc.Drain() }})
		b = bus.NewNATS(nc, bus.DefaultBuffer)
	default:
		b = bus.NewMemory(bus.DefaultBuffer)
	}
	*closers = append(*closers, closer{"bus", func(context.Context) error { return b.Close() }})
	return b, nil
}
