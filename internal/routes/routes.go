package routes

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/fulfillment/internal/config"
	"github.com/example/fulfillment/internal/handlers"
	"github.com/example/fulfillment/internal/localization"
	"github.com/example/fulfillment/internal/middleware"
	"github.com/example/fulfillment/internal/services"
)

// Dependencies are the services the HTTP surface is built on.
type Dependencies struct {
	Orders  *services.OrderService
	Courier handlers.CourierDirectory
	Policy  *localization.Policy
	Logger  *zap.Logger
}

// Register wires up all HTTP routes.
func Register(app *fiber.App, deps Dependencies, cfg *config.Config) {
	orderHandler := handlers.NewOrderHandler(deps.Orders)
	adminHandler := handlers.NewAdminHandler(deps.Orders)
	webhookHandler := handlers.NewWebhookHandler(deps.Orders, deps.Logger)
	shippingHandler := handlers.NewShippingHandler(deps.Policy)

	api := app.Group("/api")

	api.Get("/shipping/quote", shippingHandler.Quote)
	api.Post("/payments/verify", orderHandler.VerifyPayment)

	if deps.Courier != nil {
		courierHandler := handlers.NewCourierHandler(deps.Courier)
		courierGroup := api.Group("/courier")
		courierGroup.Get("/cities", courierHandler.ListCities)
		courierGroup.Get("/cities/:id/zones", courierHandler.ListZones)
		courierGroup.Get("/zones/:id/areas", courierHandler.ListAreas)
		courierGroup.Post("/estimate", courierHandler.Estimate)
	}

	// Provider callbacks
	webhooks := api.Group("/webhooks")
	webhooks.Post("/payments/:gateway", webhookHandler.Payment)
	webhooks.Post("/courier", middleware.CourierWebhookMiddleware(cfg.CourierWebhookSecret), webhookHandler.Courier)

	// Operator routes
	admin := api.Group("/admin", middleware.OperatorMiddleware(cfg.OperatorKeyHash))
	admin.Get("/orders", adminHandler.ListAllOrders)
	admin.Post("/orders/:id/courier", adminHandler.AssignCourier)
	admin.Post("/orders/:id/cancel", adminHandler.CancelOrder)
	admin.Post("/orders/:id/reconcile-payment", adminHandler.ReconcilePayment)
	admin.Get("/reconciliation", adminHandler.ListReconciliation)
	admin.Post("/reconciliation/:id/resolve", adminHandler.ResolveReconciliation)

	// Protected routes
	protected := api.Group("", middleware.AuthMiddleware(cfg))

	protected.Post("/orders", orderHandler.CreateOrder)
	protected.Get("/orders", orderHandler.ListOrders)
	protected.Get("/orders/:id", orderHandler.GetOrder)
	protected.Post("/orders/:id/payment-intent", orderHandler.CreatePaymentIntent)
}
