// Package response holds the JSON envelope every API handler writes.
package response

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"mailsync_server/pkg/apperr"
)

// Response is the standard API response structure.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Timestamp string     `json:"timestamp"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func envelope(c *fiber.Ctx) Response {
	requestID, _ := c.Locals("request_id").(string)
	return Response{
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// OK returns a successful response.
func OK(c *fiber.Ctx, data any) error {
	r := envelope(c)
	r.Success = true
	r.Data = data
	return c.JSON(r)
}

// Accepted returns a 202 for work handed to the worker.
func Accepted(c *fiber.Ctx, data any) error {
	r := envelope(c)
	r.Success = true
	r.Data = data
	return c.Status(fiber.StatusAccepted).JSON(r)
}

// Error returns an error response.
func Error(c *fiber.Ctx, status int, code, message string) error {
	r := envelope(c)
	r.Error = &ErrorInfo{Code: code, Message: message}
	return c.Status(status).JSON(r)
}

// AppError writes err using its status, code and details.
func AppError(c *fiber.Ctx, err *apperr.AppError) error {
	r := envelope(c)
	r.Error = &ErrorInfo{Code: err.Code, Message: err.Message, Details: err.Details}
	return c.Status(err.Status).JSON(r)
}
