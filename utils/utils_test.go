package utils

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRetryConnect(t *testing.T) {
	calls := 0
	err := RetryConnect(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryConnectGivesUp(t *testing.T) {
	calls := 0
	err := RetryConnect(context.Background(), 0, func() error {
		calls++
		return errors.New("refused")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRequestLoggerStampsID(t *testing.T) {
	var seen string
	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestInitLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	logger, err := InitLogger("debug", dir)
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = os.Stat(dir)
	require.NoError(t, err)

	_, err = InitLogger("loud", dir)
	assert.Error(t, err)
}

func TestErrorLogsFields(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	core, logs := observer.New(zapcore.ErrorLevel)
	Logger = zap.New(core).Sugar()

	Error(errors.New("disk full"), "Ingest failed", "sources", 2)

	entries := logs.FilterMessage("Ingest failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "disk full", fields["error"])
	assert.Equal(t, int64(2), fields["sources"])
}
