// Package server provides the HTTP API of the image pipeline.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/persona-imagegen/internal/artifacts"
	"github.com/jonathan/persona-imagegen/internal/orchestrator"
	"github.com/jonathan/persona-imagegen/internal/rendering"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrUnauthorized indicates a missing or invalid admin token
type ErrUnauthorized struct{}

func (e *ErrUnauthorized) Error() string {
	return "unauthorized"
}

// ErrAdminDisabled indicates that no admin token secret is configured
type ErrAdminDisabled struct{}

func (e *ErrAdminDisabled) Error() string {
	return "admin routes are disabled: IMAGEGEN_JWT_SECRET is not set"
}

// ErrNotFound indicates that no artifact exists for the requested key
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("no image for key: %s", e.Key)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validation *ErrValidation
		notFound   *ErrNotFound
		missing    *orchestrator.MissingArtifactError
		render     *rendering.RenderError
	)
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, new(*ErrUnauthorized)):
		return http.StatusUnauthorized
	case errors.As(err, new(*ErrAdminDisabled)):
		return http.StatusForbidden
	case errors.As(err, &notFound), errors.As(err, &missing), errors.Is(err, artifacts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &render):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
