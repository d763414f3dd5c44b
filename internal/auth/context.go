// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey  contextKey = "user_id"
	machineKey contextKey = "machine"
)

// SetUserID sets the authenticated user ID in the context
func SetUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the authenticated user ID from the context
func GetUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDKey).(int64)
	return userID, ok
}

// SetMachine sets the reporting machine name in the context
func SetMachine(ctx context.Context, machine string) context.Context {
	return context.WithValue(ctx, machineKey, machine)
}

// GetMachine retrieves the reporting machine name from the context
func GetMachine(ctx context.Context) (string, bool) {
	machine, ok := ctx.Value(machineKey).(string)
	return machine, ok
}

// SetAuthContext sets both user ID and machine name in context
func SetAuthContext(ctx context.Context, userID int64, machine string) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetMachine(ctx, machine)
	return ctx
}
