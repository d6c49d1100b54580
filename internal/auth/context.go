package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxAccountID
	ctxRole
)

var errNoIdentity = errors.New("identity not in context")

// WithIdentity stores the verified caller on ctx.
func WithIdentity(ctx context.Context, userID, accountID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxAccountID, accountID)
	return context.WithValue(ctx, ctxRole, role)
}

func value(ctx context.Context, k ctxKey, name string) (string, error) {
	if s, ok := ctx.Value(k).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.Join(errNoIdentity, errors.New(name+" missing"))
}

func UserID(ctx context.Context) (string, error)    { return value(ctx, ctxUserID, "user_id") }
func AccountID(ctx context.Context) (string, error) { return value(ctx, ctxAccountID, "account_id") }
func Role(ctx context.Context) (string, error)      { return value(ctx, ctxRole, "role") }
