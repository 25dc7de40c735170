package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/auth"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/bank"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/config"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/httpapi"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/inventory"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/store"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/store/pg"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/stream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}
	obs.InitLogger(obs.LogOptions{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(cfg.Version, cfg.Commit)

	var (
		committer store.Committer
		roles     auth.RoleStore
		probe     httpapi.ReadyProbe
		pgStore   *pg.Store
	)
	if cfg.PGDSN != "" {
		pgStore, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		defer pgStore.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pgStore.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("ping db")
		}
		committer, roles, probe = pgStore, pgStore, httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Warn().Msg("PG_DSN not set; state is kept in memory only")
	}

	events := stream.New()
	svc := bank.New(committer, roles, events, bank.Options{
		ShelfLife:       cfg.Engine.ShelfLife,
		ReservationTTL:  cfg.Engine.ReservationTTL,
		AllowFallback:   cfg.Engine.AllowFallback,
		ManualFulfill:   !cfg.Engine.AutoFulfill,
		RematchOnCredit: cfg.Engine.RematchOnCredit,
		SecurityAudit:   cfg.Engine.SecurityAudit,
		Thresholds: inventory.Thresholds{
			Critical: cfg.Stock.Critical,
			Low:      cfg.Stock.Low,
			Adequate: cfg.Stock.Adequate,
		},
	})
	defer svc.Close()
	if pgStore != nil {
		if err := svc.Restore(ctx, pgStore); err != nil {
			log.Fatal().Err(err).Msg("restore engine state")
		}
	}
	if err := svc.BootstrapAdmin(ctx, cfg.Auth.BootstrapAdmin); err != nil {
		log.Fatal().Err(err).Msg("bootstrap admin")
	}
	stopSweeper := svc.StartSweeper(cfg.Engine.SweepInterval)
	defer stopSweeper()

	var idem httpapi.IdempotencyStore
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis ping")
		}
		defer client.Close()
		idem = httpapi.NewRedisIdempotency(client, 24*time.Hour)
	}

	api := httpapi.New(probe, svc, httpapi.Options{
		Version:       cfg.Version,
		Tokens:        auth.NewTokens(cfg.Auth.Secret),
		IssuerKey:     auth.NewIssuerKey(cfg.Auth.IssuerKeyHash),
		TokenTTL:      cfg.Auth.TokenTTL,
		Stream:        events,
		Idempotency:   idem,
		RateBurst:     cfg.HTTP.RateBurst,
		RatePerSec:    cfg.HTTP.RatePerSec,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
		AllowedOrigin: cfg.HTTP.AllowedOrigin,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCServer(probe).Register(grpcSrv)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Msg("grpc listen")
	}

	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("grpc health listening")
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error().Err(err).Msg("grpc serve")
			stop()
		}
	}()
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", cfg.Version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http serve")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	grpcSrv.GracefulStop()
	log.Info().Msg("stopped")
}
