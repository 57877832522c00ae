// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Context keys for logging.
type contextKey string

const (
	// requestIDKey is the context key for HTTP request IDs.
	requestIDKey contextKey = "request_id"

	// routeTagKey is the context key for the resolved route target kind.
	routeTagKey contextKey = "route_tag"
)

// GenerateRequestID creates a new unique request ID.
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextWithRequestID returns a new context with the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRouteTag returns a new context carrying the resolved route kind.
// The proxy uses this to scope response rewriting to dev-server traffic.
func ContextWithRouteTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, routeTagKey, tag)
}

// RouteTagFromContext retrieves the route tag from context.
// Returns empty string if not present.
func RouteTagFromContext(ctx context.Context) string {
	if tag, ok := ctx.Value(routeTagKey).(string); ok {
		return tag
	}
	return ""
}

// Ctx returns a logger with context values (request_id, route_tag) attached.
// This is the recommended way to log inside request handlers:
//
//	logging.Ctx(ctx).Info().Msg("forwarding request")
func Ctx(ctx context.Context) *zerolog.Logger {
	logCtx := Logger().With()

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		logCtx = logCtx.Str("request_id", requestID)
	}
	if tag := RouteTagFromContext(ctx); tag != "" {
		logCtx = logCtx.Str("route", tag)
	}

	logger := logCtx.Logger()
	return &logger
}
