package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/example/fulfillment/internal/config"
	"github.com/example/fulfillment/internal/courier"
	"github.com/example/fulfillment/internal/database"
	"github.com/example/fulfillment/internal/handlers"
	"github.com/example/fulfillment/internal/localization"
	"github.com/example/fulfillment/internal/observability"
	"github.com/example/fulfillment/internal/payments"
	"github.com/example/fulfillment/internal/repository"
	"github.com/example/fulfillment/internal/routes"
	"github.com/example/fulfillment/internal/services"
)

func main() {
	cfg := config.Load()

	zl, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	db, err := database.Connect(cfg.DatabaseURL, cfg.LogLevel == "debug")
	if err != nil {
		zl.Fatal("database init failed", zap.Error(err))
	}
	store := repository.NewGormStore(db)

	policy, err := localization.NewPolicy(localization.DefaultRegions(), localization.DefaultRates(), cfg.DefaultRegion)
	if err != nil {
		zl.Fatal("localization policy invalid", zap.Error(err))
	}

	manager, err := buildPayments(cfg, zl)
	if err != nil {
		zl.Fatal("payments init failed", zap.Error(err))
	}

	deps := services.OrderServiceDeps{
		Store:          store,
		Payments:       manager,
		Policy:         policy,
		Logger:         zl,
		PaymentTimeout: cfg.PaymentTimeout,
		CourierTimeout: cfg.CourierTimeout,
	}

	var directory handlers.CourierDirectory
	courierClient, err := courier.NewClient(courier.Config{
		BaseURL:       cfg.CourierBaseURL,
		ClientID:      cfg.CourierClientID,
		ClientSecret:  cfg.CourierClientSecret,
		Username:      cfg.CourierUsername,
		Password:      cfg.CourierPassword,
		StoreID:       cfg.CourierStoreID,
		WebhookSecret: cfg.CourierWebhookSecret,
		Timeout:       cfg.CourierTimeout,
	}, zl)
	if err != nil {
		zl.Warn("courier disabled", zap.Error(err))
	} else {
		deps.Courier = courierClient
		directory = courierClient
	}

	telegram := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat, zl)
	sms := services.NewSMSService(services.SMSConfig{
		BaseURL:  cfg.SMSBaseURL,
		Username: cfg.SMSUsername,
		Password: cfg.SMSPassword,
		SenderID: cfg.SMSSenderID,
		Enabled:  cfg.SMSEnabled,
		Timeout:  cfg.SMSTimeout,
	}, zl)
	deps.Notifier = services.NewNotificationService(sms, telegram, policy, zl)
	deps.Alerts = telegram

	orders, err := services.NewOrderService(deps)
	if err != nil {
		zl.Fatal("order service init failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:      "Fulfillment Backend",
		ErrorHandler: handlers.ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	routes.Register(app, routes.Dependencies{
		Orders:  orders,
		Courier: directory,
		Policy:  policy,
		Logger:  zl,
	}, cfg)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		zl.Info("shutting down")
		_ = app.Shutdown()
	}()

	zl.Info("starting server", zap.String("port", cfg.AppPort))
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		zl.Fatal("fiber.Listen error", zap.Error(err))
	}
}

func buildPayments(cfg *config.Config, zl *zap.Logger) (*payments.Manager, error) {
	var gateways []payments.Gateway

	if cfg.SSLCommerzStoreID != "" {
		g, err := payments.NewSSLCommerz(payments.SSLCommerzConfig{
			BaseURL:    cfg.SSLCommerzBaseURL,
			StoreID:    cfg.SSLCommerzStoreID,
			StorePass:  cfg.SSLCommerzStorePass,
			SuccessURL: cfg.SSLCommerzSuccessURL,
			FailURL:    cfg.SSLCommerzFailURL,
			CancelURL:  cfg.SSLCommerzCancelURL,
			IPNURL:     cfg.SSLCommerzIPNURL,
			Timeout:    cfg.PaymentTimeout,
		})
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}

	if cfg.StripeSecretKey != "" {
		g, err := payments.NewStripe(payments.StripeConfig{
			APIKey:        cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}

	return payments.NewManager(gateways,
		payments.WithDefaultGateway(payments.StripeName),
		payments.WithCurrencyRoutes(map[string]string{"BDT": payments.SSLCommerzName}),
		payments.WithLogger(zl),
	)
}
