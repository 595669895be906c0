package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestReplaceAttrRendersDecimals(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: replaceAttr}))

	amount := decimal.RequireFromString("12.3400")
	log.Info("plan", slog.Any("net", amount), Decimal("gas", decimal.NewFromInt(3)))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "12.34", record["net"])
	require.Equal(t, "3", record["gas"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, parseLevel("warning"))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestBuildAuditLoggerRequiresPath(t *testing.T) {
	_, err := buildAuditLogger(AuditConfig{Enabled: true})
	require.Error(t, err)

	log, err := buildAuditLogger(AuditConfig{Enabled: true, Path: t.TempDir() + "/audit/audit.log"})
	require.NoError(t, err)
	log.Info("query finished", slog.String("query_id", "q-1"))
	require.NoError(t, Sync())
}
