// Package appctx holds the context keys shared by config, utils, and the HTTP
// layer. It exists as its own package so config and utils can both depend on
// it without depending on each other.
package appctx

import "context"

type ContextKey string

func (c ContextKey) String() string { return string(c) }

const (
	ContextKeyToken         ContextKey = "Token"
	ContextKeyBusinessId    ContextKey = "BusinessId"
	ContextKeyUsername      ContextKey = "Username"
	ContextKeyUserId        ContextKey = "UserId"
	ContextKeyUserName      ContextKey = "UserName"
	ContextKeyCorrelationId ContextKey = "CorrelationId"

	// Platform admins bypass tenant scoping.
	ContextKeyIsAdmin ContextKey = "IsAdmin"

	// Disables tenant scoping for the request regardless of role. Internal
	// ops and seed tooling only.
	ContextKeySkipTenantScope ContextKey = "SkipTenantScope"
)

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetInt(ctx context.Context, key ContextKey) (int, bool) {
	v, ok := ctx.Value(key).(int)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}
