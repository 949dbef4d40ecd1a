// Package api exposes the HTTP surface: mount management, extraction
// control and ranged streaming.
package api

import (
	"github.com/gofiber/fiber/v2"
)

// APIError carries a machine-readable code and human-readable message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// APIResponse is the envelope every JSON endpoint answers with.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// RespondSuccess sends a 200 with the data payload.
func RespondSuccess(c *fiber.Ctx, data any) error {
	return c.JSON(APIResponse{Success: true, Data: data})
}

// RespondCreated sends a 201 with the data payload.
func RespondCreated(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusCreated).JSON(APIResponse{Success: true, Data: data})
}

// RespondAccepted sends a 202 for work started in the background.
func RespondAccepted(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusAccepted).JSON(APIResponse{Success: true, Data: data})
}

// RespondBadRequest sends a 400.
func RespondBadRequest(c *fiber.Ctx, message string, details string) error {
	return c.Status(fiber.StatusBadRequest).JSON(APIResponse{
		Success: false,
		Error:   &APIError{Code: "BAD_REQUEST", Message: message, Details: details},
	})
}

// RespondNotFound sends a 404 for a missing resource.
func RespondNotFound(c *fiber.Ctx, resource string, details string) error {
	return c.Status(fiber.StatusNotFound).JSON(APIResponse{
		Success: false,
		Error:   &APIError{Code: "NOT_FOUND", Message: resource + " not found", Details: details},
	})
}

// RespondConflict sends a 409.
func RespondConflict(c *fiber.Ctx, message string, details string) error {
	return c.Status(fiber.StatusConflict).JSON(APIResponse{
		Success: false,
		Error:   &APIError{Code: "CONFLICT", Message: message, Details: details},
	})
}

// RespondInternalError sends a 500.
func RespondInternalError(c *fiber.Ctx, message string, details string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(APIResponse{
		Success: false,
		Error:   &APIError{Code: "INTERNAL_ERROR", Message: message, Details: details},
	})
}

// RespondServiceUnavailable sends a 503 with a retry hint for transient
// states the client should poll on.
func RespondServiceUnavailable(c *fiber.Ctx, message string, details string) error {
	c.Set("Retry-After", "10")
	return c.Status(fiber.StatusServiceUnavailable).JSON(APIResponse{
		Success: false,
		Error:   &APIError{Code: "SERVICE_UNAVAILABLE", Message: message, Details: details},
	})
}
