package handlers

import (
	"github.com/labstack/echo/v4"
)

// Canonical error codes for the control API envelope.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "NOT_FOUND"
	CodeValidation = "VALIDATION_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
	CodeConflict   = "CONFLICT"
)

// fail writes the {success:false, error, code} envelope.
func fail(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

// failWithDetails adds a details payload (validation error lists).
func failWithDetails(c echo.Context, status int, code, msg string, details interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   msg,
		"code":    code,
		"details": details,
	})
}
