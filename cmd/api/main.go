// Package main runs the storefront REST API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborpoint/storefront-api/internal/app/cache"
	"github.com/harborpoint/storefront-api/internal/app/httpapi"
	"github.com/harborpoint/storefront-api/internal/app/payment"
	"github.com/harborpoint/storefront-api/internal/app/services/cards"
	"github.com/harborpoint/storefront-api/internal/app/services/checkout"
	"github.com/harborpoint/storefront-api/internal/app/storage"
	"github.com/harborpoint/storefront-api/internal/app/storage/memory"
	"github.com/harborpoint/storefront-api/internal/app/storage/postgres"
	"github.com/harborpoint/storefront-api/internal/config"
	"github.com/harborpoint/storefront-api/internal/middleware"
	"github.com/harborpoint/storefront-api/pkg/logger"
)

// stores is the full persistence surface the API needs from one backend.
type stores interface {
	storage.CustomerStore
	storage.AddressStore
	storage.RegionDirectory
	storage.ProductStore
	storage.EventStore
	storage.OrderStore
	storage.CartStore
	storage.CardVaultStore
	storage.ShippingRater
	storage.CouponPricer
}

func main() {
	_ = godotenv.Load()

	cfg := config.LoadOrDefault()
	log := logger.New("api", cfg.LogLevel)
	log.Infof("starting storefront api in %s mode on %s", cfg.Environment, cfg.ListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		store    stores
		profiles storage.LegacyProfileStore
	)
	if cfg.Database.DSN != "" {
		pg, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Error("failed to connect to postgres")
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		profiles = pg.LegacyView()
		log.Info("using postgres storage")
	} else {
		mem := memory.New()
		store = mem
		profiles = mem.Legacy()
		log.Warn("no database configured; using in-memory storage")
	}

	var cacheStore cache.Store
	if cfg.Cache.Backend == "redis" {
		cacheStore = cache.NewRedis(cfg.Cache.RedisAddr)
		log.Infof("using redis response cache at %s", cfg.Cache.RedisAddr)
	} else {
		cacheStore = cache.NewMemory()
	}
	gate := cache.NewGate(cacheStore, cache.Options{
		Dev:           cfg.IsDev(),
		RefreshChance: cfg.Cache.RefreshChance,
	}, logger.New("cache", cfg.LogLevel))

	var gateway payment.Gateway
	if url := os.Getenv("PAYMENT_GATEWAY_URL"); url != "" {
		gateway = payment.NewHTTPGateway(url, os.Getenv("PAYMENT_GATEWAY_KEY"), logger.New("payment", cfg.LogLevel))
	} else {
		gateway = payment.NewStaticGateway()
		log.Warn("no payment gateway configured; authorizations are simulated")
	}

	revocations := middleware.NewRevocations()
	handler := httpapi.New(cfg, httpapi.Services{
		Customers:   store,
		Addresses:   store,
		Regions:     store,
		Products:    store,
		Events:      store,
		Orders:      store,
		Profiles:    profiles,
		Cards:       cards.New(store, profiles, gateway, logger.New("cards", cfg.LogLevel)),
		Checkout:    checkout.New(checkoutStores(store), gateway, cfg.Cart.ShelfLife, logger.New("checkout", cfg.LogLevel)),
		Gate:        gate,
		Revocations: revocations,
	}, logger.New("httpapi", cfg.LogLevel))

	router := handler.Router()
	router.Use(middleware.LoggingMiddleware(logger.New("http", cfg.LogLevel)))
	router.Use(middleware.MetricsMiddleware())
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log)
	limiter.StartCleanup(10 * time.Minute)

	auth := middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), revocations, logger.New("auth", cfg.LogLevel), []string{"/auth", "/user"})
	cors := middleware.NewCORSMiddleware([]string{cfg.BaseWebURL})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      cors.Handler(limiter.Handler(auth.Handler(router))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server stopped")
			cancel()
		}
	}()
	log.Infof("listening on %s", cfg.ListenAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Infof("received %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	log.Info("server stopped")
}

func checkoutStores(s stores) checkout.Stores {
	return checkout.Stores{
		Carts:     s,
		Products:  s,
		Addresses: s,
		Regions:   s,
		Customers: s,
		Orders:    s,
		Cards:     s,
		Rater:     s,
		Coupons:   s,
	}
}
