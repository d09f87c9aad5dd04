package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"webrtc-signal-relay/internal/app/config"
	"webrtc-signal-relay/internal/app/httpapi"
	"webrtc-signal-relay/pkg/logger"
	"webrtc-signal-relay/pkg/signaling"
	"webrtc-signal-relay/pkg/webrtc/ice"
)

func main() {
	conf, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config")
	}
	log := newLogger(conf.Log)
	logConfig(log, conf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := signaling.NewMetrics(prometheus.DefaultRegisterer)

	store, janitor, closeStore := newStore(ctx, conf, metrics, log)
	defer closeStore()

	iceMode, iceServers := ice.Servers(ice.Settings{
		Mode:         conf.ICE.Mode,
		STUNURLs:     conf.ICE.STUNURLs,
		TURNURLs:     conf.ICE.TURNURLs,
		TURNUsername: conf.ICE.TURNUsername,
		TURNPassword: conf.ICE.TURNPassword,
	}, log)

	svc := signaling.NewService(store, signaling.ServiceOptions{
		RolePolicy: conf.RolePolicy(),
		Metrics:    metrics,
		Logger:     log,
	})
	hub := signaling.NewHub(svc, signaling.HubOptions{
		Logger:    log,
		Metrics:   metrics,
		ReadLimit: conf.HTTP.MaxBodyBytes,
		PushWait:  conf.Sessions.MaxWait,
	})

	mux := http.NewServeMux()
	httpapi.Register(mux, httpapi.Deps{
		Service: svc,
		Hub:     hub,
		Metrics: metrics,
		Log:     log,
		Settings: httpapi.Settings{
			ICEMode:      iceMode,
			ICEServers:   iceServers,
			PollInterval: conf.Client.PollInterval,
			PublicURL:    conf.HTTP.PublicURL,
			MaxWait:      conf.Sessions.MaxWait,
			MaxBodyBytes: conf.HTTP.MaxBodyBytes,
			StaticDir:    conf.HTTP.StaticDir,
		},
	})
	if conf.Monitoring.MetricEnabled {
		mux.Handle("GET "+conf.Monitoring.Path, promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              conf.HTTP.Addr,
		Handler:           httpapi.Wrap(mux, log),
		ReadHeaderTimeout: conf.HTTP.ReadHeaderTimeout,
	}

	if janitor != nil {
		go janitor.Run(ctx, conf.Sessions.SweepInterval)
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", conf.HTTP.Addr).Str("store", conf.Store.Backend).
			Str("role_policy", string(conf.RolePolicy())).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.HTTP.ShutdownTimeout)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func newLogger(c config.Log) *logger.Logger {
	level, err := logger.ParseLevel(c.Level)
	if err != nil {
		logger.Default().Warn().Err(err).Msg("falling back to info")
		level = logger.InfoLevel
	}
	if c.Console {
		return logger.NewConsole(level, "relay", c.NoColor)
	}
	return logger.New(level)
}

// newStore returns the configured backend. The registry is also returned as
// janitor when sessions live in memory.
func newStore(ctx context.Context, conf *config.Config, metrics *signaling.Metrics, log *logger.Logger) (signaling.Store, *signaling.Registry, func()) {
	if conf.Store.Backend == config.StoreRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.Store.Redis.Addr,
			Password: conf.Store.Redis.Password,
			DB:       conf.Store.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", conf.Store.Redis.Addr).Msg("redis ping failed")
		}

		store := signaling.NewRedisStore(rdb, conf.Store.Redis.Prefix, conf.Sessions.IdleTimeout)
		if conf.Store.Redis.ResetOnStart {
			if err := store.Reset(pingCtx); err != nil {
				log.Warn().Err(err).Msg("redis reset queues")
			}
		}
		return store, nil, func() { _ = rdb.Close() }
	}

	registry := signaling.NewRegistry(signaling.RegistryOptions{
		IdleTimeout: conf.Sessions.IdleTimeout,
		MaxSessions: conf.Sessions.MaxSessions,
		OnEvict: func(n int) {
			metrics.Evicted(n)
			log.Debug().Int("sessions", n).Msg("evicted idle sessions")
		},
	})
	signaling.RegisterSessionGauge(prometheus.DefaultRegisterer, registry.Len)
	return registry, registry, func() {}
}

func logConfig(log *logger.Logger, conf *config.Config) {
	log.Info().
		Str("addr", conf.HTTP.Addr).
		Str("static_dir", conf.HTTP.StaticDir).
		Str("store", conf.Store.Backend).
		Str("redis_addr", conf.Store.Redis.Addr).
		Str("ice_mode", conf.ICE.Mode).
		Dur("idle_timeout", conf.Sessions.IdleTimeout).
		Int("max_sessions", conf.Sessions.MaxSessions).
		Bool("metrics", conf.Monitoring.MetricEnabled).
		Msg("config")
}
