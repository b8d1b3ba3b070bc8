package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/audit"
	"github.com/Aidin1998/fincore/internal/auth"
	"github.com/Aidin1998/fincore/internal/cache"
	"github.com/Aidin1998/fincore/internal/cards"
	"github.com/Aidin1998/fincore/internal/config"
	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/kyc"
	"github.com/Aidin1998/fincore/internal/messaging"
	"github.com/Aidin1998/fincore/internal/notification"
	"github.com/Aidin1998/fincore/internal/otp"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/recurring"
	"github.com/Aidin1998/fincore/internal/scheduler"
	"github.com/Aidin1998/fincore/internal/server"
	"github.com/Aidin1998/fincore/internal/splitpay"
	"github.com/Aidin1998/fincore/internal/telemetry"
	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/internal/webhook"
	"github.com/Aidin1998/fincore/internal/ws"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/validation"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load("config.yaml", "/etc/fincore/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger); err != nil {
		zapLogger.Fatal("fincore stopped with error", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}

func run(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{ServiceName: "fincore", Enabled: cfg.TracingEnabled})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.Open(cfg.DatabaseDSN, zapLogger)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}
	if err := database.LoadCurrencies(ctx, db); err != nil {
		return err
	}

	// Redis backs the cache, rate counters, OTP codes and the socket channel
	// layer. Without it everything falls back to this process's memory.
	var (
		store    cache.Store
		channels notification.ChannelLayer
	)
	if cfg.RedisAddress != "" {
		client, err := database.NewRedisClient(ctx, cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer client.Close()
		store = cache.NewRedisStore(client, zapLogger)
		channels = notification.NewRedisChannelLayer(client, zapLogger)
	} else {
		zapLogger.Warn("redis_address not set, using in-process cache and channel layer")
		store = cache.NewMemoryStore()
		channels = notification.NewMemoryChannelLayer()
	}

	publishers := []messaging.Publisher{messaging.NewLogPublisher(zapLogger)}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := messaging.NewKafkaProducer(messaging.DefaultKafkaConfig(cfg.KafkaBrokers, cfg.KafkaTopic), zapLogger)
		if err != nil {
			return err
		}
		defer producer.Close()
		publishers = append(publishers, producer)
	}
	publisher := messaging.NewFanout(zapLogger, publishers...)

	// Notifications
	templates, err := notification.NewTemplates(db)
	if err != nil {
		return err
	}
	dispatchOpts := []notification.Option{
		notification.WithChannelLayer(channels),
		notification.WithTopic(cfg.Notifications.GlobalFCMTopicName),
	}
	if cfg.Notifications.FCMCredentialsFile != "" {
		pusher, err := notification.NewFCMPusher(ctx, cfg.Notifications.FCMCredentialsFile, zapLogger)
		if err != nil {
			return err
		}
		dispatchOpts = append(dispatchOpts, notification.WithPusher(pusher))
	}
	if n := cfg.Notifications; n.SMTPHost != "" {
		dispatchOpts = append(dispatchOpts, notification.WithMailer(
			notification.NewSMTPMailer(n.SMTPHost, n.SMTPPort, n.SMTPUsername, n.SMTPPassword, n.SMTPFrom)))
	}
	dispatcher := notification.NewDispatcher(db, templates, zapLogger, dispatchOpts...)
	pool := notification.NewPool(cfg.Notifications.NotificationWorkers, 1024, zapLogger)
	defer pool.Close()
	triggers := notification.NewTriggers(dispatcher, pool, zapLogger)

	// Core services
	validator := validation.NewValidator(zapLogger, cache.NewRateCounters(store))
	auditor := audit.NewService(zapLogger)
	factory := providers.NewFactory(cfg.Providers, zapLogger)
	otps := otp.NewService(store, zapLogger, "fincore")

	kycProviders, err := kyc.NewProviders(cfg.KYC, cfg.Providers.InternalWebhookSecret, cfg.Providers.ProviderHTTPTimeout, zapLogger)
	if err != nil {
		return err
	}
	kycSvc := kyc.NewService(db, zapLogger, kycProviders, validator, auditor,
		kyc.WithNotifier(triggers),
		kyc.WithScorer(kyc.NewRiskScorer(cfg.KYC.AMLWatchlist)))

	wallets := wallet.NewService(db, zapLogger, factory, validator, auditor,
		wallet.WithTierSource(kycSvc),
		wallet.WithOTPVerifier(otps),
		wallet.WithNotifier(triggers),
		wallet.WithTestMode(factory.TestMode()))

	platformWallets, err := cfg.PlatformWalletIDs()
	if err != nil {
		return err
	}
	feePercent, feeFlat, err := cfg.TransferFee()
	if err != nil {
		return err
	}
	txs := transaction.NewService(db, zapLogger, wallets, factory, validator, auditor,
		transaction.WithPublisher(publisher),
		transaction.WithNotifier(triggers),
		transaction.WithFees(transaction.FeePolicy{Percent: feePercent, Flat: feeFlat, PlatformWallets: platformWallets}))

	cardSvc := cards.NewService(db, zapLogger, factory, wallets, txs, validator, cards.WithNotifier(triggers))
	splits := splitpay.NewService(db, zapLogger, txs, wallets, validator, splitpay.WithNotifier(triggers))
	recurringSvc := recurring.NewService(db, zapLogger, txs, wallets, validator, recurring.WithNotifier(triggers))

	ingress := webhook.NewIngress(db, zapLogger, factory, txs, wallets,
		webhook.WithKYC(kycSvc),
		webhook.WithCards(cardSvc))

	hub := ws.NewHub(channels, dispatcher, zapLogger, ws.DefaultConfig())
	defer hub.Close()

	// Workers
	leader, err := newLeadership(cfg, zapLogger)
	if err != nil {
		return err
	}
	defer leader.Close()
	sched := scheduler.New(leader, zapLogger)
	sched.Register(scheduler.Jobs(scheduler.Deps{
		Ledger:        txs,
		Recurring:     recurringSvc,
		OTPs:          otps,
		Notifications: dispatcher,
		Verifications: kycSvc,
	}, cfg.Scheduler, cfg.Notifications.NotificationRetentionDays, zapLogger)...)
	go func() {
		if err := sched.Run(ctx); err != nil {
			zapLogger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	// HTTP
	srv := server.NewServer(zapLogger, server.Deps{
		Tokens:       auth.NewTokens(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.AccessTokenExpireMinutes)*time.Minute),
		Wallets:      wallets,
		Transactions: txs,
		KYC:          kycSvc,
		Inbox:        dispatcher,
		Cards:        cardSvc,
		Splits:       splits,
		Recurring:    recurringSvc,
		OTP:          otps,
		Alerts:       triggers,
		Webhooks:     webhook.NewHandler(ingress, zapLogger),
		Hub:          hub,
		Cache:        store,
	}, server.WithAllowedOrigins(cfg.FrontendURL))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	zapLogger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLeadership(cfg *config.Config, zapLogger *zap.Logger) (scheduler.Leadership, error) {
	if len(cfg.Scheduler.EtcdEndpoints) == 0 {
		return scheduler.Standalone{}, nil
	}
	host, _ := os.Hostname()
	nodeID := fmt.Sprintf("%s-%d", host, os.Getpid())
	return scheduler.NewEtcdElector(cfg.Scheduler.EtcdEndpoints, nodeID, cfg.Scheduler.SchedulerLeaseTTL, zapLogger)
}
