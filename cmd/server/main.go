package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/settlepay/backbone/docs"
	"github.com/settlepay/backbone/internal/clock"
	"github.com/settlepay/backbone/internal/config"
	"github.com/settlepay/backbone/internal/database"
	"github.com/settlepay/backbone/internal/handlers"
	"github.com/settlepay/backbone/internal/hsm"
	mW "github.com/settlepay/backbone/internal/middleware"
	"github.com/settlepay/backbone/internal/services"
	"github.com/settlepay/backbone/internal/worker"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Settlement Backbone API
// @version 1.0
// @description P2P payment settlement: pay-ins, pay-outs, channel allocation and balances
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @securityDefinitions.apikey MerchantToken
// @in header
// @name x-token

func main() {
	cfg := config.Load()

	docs.SwaggerInfo.Host = "localhost:" + cfg.Port

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis(database.GetRedisConfig())
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, js, err := database.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Printf("NATS unavailable, lifecycle events disabled: %v", err)
		js = nil
	}
	if nc != nil {
		defer nc.Drain()
	}
	if js != nil {
		if err := database.EnsureTransactionStream(ctx, js, cfg.NATSStream); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	audit := hsm.NewAuditLogger()
	vault, err := hsm.InitVault(hsm.Config{
		MasterKey:   cfg.HSMMasterKey,
		Salt:        []byte(cfg.HSMSalt),
		AuditLogger: audit,
	})
	if err != nil {
		log.Fatalf("Failed to initialize vault: %v", err)
	}

	clk := clock.RealClock{}
	balances := services.NewBalanceService(db)
	exhaustion := services.NewExhaustionRecorder(redisClient, clk)
	scheduler := services.NewAutoCloseScheduler(redisClient)
	notifier := services.NewNotifier(redisClient, cfg.Notifications.Channel)
	events := services.NewEventPublisher(js)
	callbacks := services.NewCallbackDispatcher(vault, cfg.Callbacks.Workers, cfg.Callbacks.QueueSize, cfg.Callbacks.Timeout)
	bankService := services.NewBankService()
	links := services.NewPaymentLinkService(redisClient, vault, bankService, clk, cfg.Engine.PaymentLinkBaseURL)

	engine := services.NewTransactionEngine(services.EngineDeps{
		DB:         db,
		Redis:      redisClient,
		Config:     cfg.Engine,
		Clock:      clk,
		Balances:   balances,
		Exhaustion: exhaustion,
		Scheduler:  scheduler,
		Callbacks:  callbacks,
		Notifier:   notifier,
		Events:     events,
		Links:      links,
	})

	authService := services.NewAuthService(db, redisClient)
	transactionService := services.NewTransactionService(db, engine, bankService)
	outboundHandler := handlers.NewOutboundHandler(services.NewOutboundService(engine), bankService)
	supportHandler := handlers.NewSupportHandler(balances, exhaustion)
	linkHandler := handlers.NewPaymentLinkHandler(links)

	mW.InitAuthMiddleware(redisClient)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "x-token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if err := db.PingContext(r.Context()); err != nil {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	r.Get("/payment-link/{token}", linkHandler.Resolve)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Get("/banks", bankService.GetAllBanks)

		// Merchant host-to-host API
		r.Route("/h2h", func(r chi.Router) {
			r.Use(mW.MerchantTokenMiddleware(authService))

			r.Post("/pay-in", transactionService.CreateInbound)
			r.Post("/pay-out", transactionService.CreateOutbound)
			r.Get("/transaction", transactionService.GetTransactionInfo)
			r.Get("/balance", transactionService.GetMerchantBalance)
			r.Post("/whitelist", transactionService.AddWhitelist)
		})

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole("team", "support"))

				r.Get("/transactions", transactionService.ListTransactions)
				r.Put("/transactions/{id}/status", transactionService.UpdateStatus)
			})

			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole("team"))

				r.Post("/outbound/pickup", outboundHandler.Pickup)
				r.Post("/outbound/{id}/hold", outboundHandler.Hold)
			})

			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole("support"))

				r.Post("/outbound/{id}/return", outboundHandler.Return)
				r.Get("/balances/{balanceId}", supportHandler.GetBalance)
				r.Get("/support/exhaustion/{merchantId}", supportHandler.GetExhaustion)
			})
		})
	})

	var runner *worker.Runner
	if cfg.Workers.Enabled {
		reconciler := &worker.Reconciler{
			DB:         db,
			Engine:     engine,
			Scheduler:  scheduler,
			Exhaustion: exhaustion,
			Notifier:   notifier,
			Balances:   balances,
			Clock:      clk,
			Config:     cfg.Workers,
			EngineCfg:  cfg.Engine,
		}
		runner = worker.NewRunner(redisClient, reconciler.Jobs()...)
		runner.Start(ctx)
		log.Println("Reconciliation workers started")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if runner != nil {
		runner.Wait()
	}
	if err := callbacks.Shutdown(shutdownCtx); err != nil {
		log.Printf("Callbacks not fully delivered: %v", err)
	}

	log.Println("Server stopped")
}
