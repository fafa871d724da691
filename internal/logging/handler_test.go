// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugkit/plugkit/internal/logging"
)

func TestSetup_JSONIncludesServiceIdentity(t *testing.T) {
	var buf bytes.Buffer
	log := logging.Setup("plugkit", "1.2.3", "json", "info", &buf)

	log.Info("plugin loaded", "plugin", "core")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "plugkit", record["service"])
	assert.Equal(t, "1.2.3", record["version"])
	assert.Equal(t, "plugin loaded", record["msg"])
	assert.Equal(t, "core", record["plugin"])
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := logging.Setup("plugkit", "dev", "text", "info", &buf)

	log.Info("scan complete", "found", 3)

	out := buf.String()
	assert.Contains(t, out, "scan complete")
	assert.Contains(t, out, "service=plugkit")
	assert.Contains(t, out, "found=3")
}

func TestSetup_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logging.Setup("plugkit", "dev", "json", "warn", &buf)

	log.Info("suppressed")
	assert.Zero(t, buf.Len())

	log.Warn("visible")
	assert.NotZero(t, buf.Len())
}

func TestSetup_WithAttrsKeepsIdentity(t *testing.T) {
	var buf bytes.Buffer
	log := logging.Setup("plugkit", "dev", "json", "info", &buf).With("component", "manager")

	log.Info("ready")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "plugkit", record["service"])
	assert.Equal(t, "manager", record["component"])
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"info":     slog.LevelInfo,
		"warn":     slog.LevelWarn,
		"WARNING":  slog.LevelWarn,
		"error":    slog.LevelError,
		"":         slog.LevelInfo,
		"gibberph": slog.LevelInfo,
	}
	for input, want := range cases {
		assert.Equal(t, want, logging.ParseLevel(input), "level %q", input)
	}
}
