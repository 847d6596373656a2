package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handover-gateway/internal/auth"
	"github.com/2389/handover-gateway/internal/config"
	"github.com/2389/handover-gateway/internal/gateway"
)

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    *tokenRequest
		wantErr bool
	}{
		{"operator default ttl", []string{"--operator", "op1"}, &tokenRequest{subject: "op1", role: auth.RoleOperator, ttl: 24 * time.Hour}, false},
		{"operator equals form", []string{"--operator=op1", "--ttl=2h", "--save"}, &tokenRequest{subject: "op1", role: auth.RoleOperator, ttl: 2 * time.Hour, save: true}, false},
		{"service", []string{"--service", "whatsapp"}, &tokenRequest{subject: "whatsapp", role: auth.RoleService, ttl: 24 * time.Hour}, false},
		{"missing subject", nil, nil, true},
		{"both roles", []string{"--operator", "op1", "--service", "svc"}, nil, true},
		{"blank operator", []string{"--operator", "  "}, nil, true},
		{"negative ttl", []string{"--operator", "op1", "--ttl", "-1h"}, nil, true},
		{"stray argument", []string{"--operator", "op1", "extra"}, nil, true},
		{"unknown flag", []string{"--name", "op1"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTokenArgs(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderConfig_Loads(t *testing.T) {
	dir := t.TempDir()
	secret, err := randomSecret()
	require.NoError(t, err)

	content := renderConfig(initAnswers{
		httpAddr:     "127.0.0.1:9090",
		dbPath:       filepath.Join(dir, "gateway.db"),
		jwtSecret:    secret,
		hoursEnabled: true,
		start:        "08:00",
		end:          "18:00",
		weekdays:     "mon, tue,wed,thu,fri",
		timezone:     "America/Sao_Paulo",
		logLevel:     "debug",
		logFormat:    "json",
	})
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.False(t, cfg.Broker.Enabled)

	p, err := cfg.BusinessHours.Policy()
	require.NoError(t, err)
	assert.Equal(t, "mon,tue,wed,thu,fri 08:00-18:00 America/Sao_Paulo", p.String())
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "gateway").WithGroup("req").Info("claimed", "key", "conv-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF claimed")
	assert.Contains(t, out, " component=gateway")
	assert.Contains(t, out, " req.key=conv-1")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("skipped")
	logger.Warn("config reload failed", "path", "/etc/handover.yaml")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "config reload failed", rec["msg"])
	assert.Equal(t, slog.LevelWarn.String(), rec["level"])
}

func TestFetchOwnership(t *testing.T) {
	claimed := time.Date(2026, 10, 17, 14, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid token"}`))
			return
		}
		assert.Equal(t, "/api/conversations/+5511999990000/ownership", r.URL.Path)
		_ = json.NewEncoder(w).Encode(gateway.OwnershipResponse{
			ConversationKey:   "+5511999990000",
			Owner:             gateway.OwnerResponse{Kind: "operator", OperatorID: "op1"},
			OperatorClaimedAt: &claimed,
			Version:           2,
		})
	}))
	defer srv.Close()

	o, err := fetchOwnership(context.Background(), srv.Client(), srv.URL, "tok", "+5511999990000")
	require.NoError(t, err)
	assert.Equal(t, "op1", o.Owner.OperatorID)

	color.NoColor = true
	var buf bytes.Buffer
	printOwnership(&buf, o)
	assert.Contains(t, buf.String(), "operator op1")
	assert.Contains(t, buf.String(), "Version:      2")

	_, err = fetchOwnership(context.Background(), srv.Client(), srv.URL, "wrong", "+5511999990000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401: invalid token")
}
