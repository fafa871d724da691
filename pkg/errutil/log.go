// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

// Package errutil provides helpers for logging and asserting on
// structured oops errors.
package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops
// error: message, code, hint, and context map. Standard errors log as
// a plain error string. A nil err logs nothing.
func LogError(logger *slog.Logger, msg string, err error) {
	logWith(logger.Error, msg, err)
}

// LogWarn is LogError at warning level, for recorded-but-tolerated
// failures such as plugin cleanup errors.
func LogWarn(logger *slog.Logger, msg string, err error) {
	logWith(logger.Warn, msg, err)
}

func logWith(log func(msg string, args ...any), msg string, err error) {
	if err == nil {
		return
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		log(msg, "error", err)
		return
	}

	attrs := []any{"error", oopsErr.Error()}
	if code := oopsErr.Code(); code != nil {
		attrs = append(attrs, "code", code)
	}
	if hint := oopsErr.Hint(); hint != "" {
		attrs = append(attrs, "hint", hint)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		attrs = append(attrs, "context", ctx)
	}
	log(msg, attrs...)
}
