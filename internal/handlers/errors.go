package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/example/fulfillment/internal/courier"
	"github.com/example/fulfillment/internal/payments"
	"github.com/example/fulfillment/internal/services"
)

// ErrorHandler renders every error in the JSON envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}
	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

// serviceError maps domain and provider errors onto HTTP statuses.
func serviceError(err error) error {
	var (
		gatewayErr  *payments.GatewayError
		providerErr *courier.ProviderError
	)
	switch {
	case errors.Is(err, services.ErrValidation),
		errors.Is(err, courier.ErrInvalidLocation),
		errors.Is(err, payments.ErrUnsupportedGateway):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrPaymentNotFound),
		errors.Is(err, services.ErrIssueNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrInsufficientStock),
		errors.Is(err, services.ErrCourierAlreadyAssigned),
		errors.Is(err, services.ErrInvalidTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, services.ErrPaymentUnverified):
		return fiber.NewError(fiber.StatusPaymentRequired, err.Error())
	case errors.Is(err, services.ErrOutcomeUnknown),
		errors.Is(err, payments.ErrTimeout),
		errors.Is(err, courier.ErrTimeout):
		return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
	case errors.As(err, &gatewayErr), errors.As(err, &providerErr):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	case errors.Is(err, courier.ErrNotConfigured):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return err
}
