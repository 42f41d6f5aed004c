package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/ehr-access/internal/config"
	"github.com/jwalitptl/ehr-access/internal/handler/health"
	promhandler "github.com/jwalitptl/ehr-access/internal/handler/prometheus"
	"github.com/jwalitptl/ehr-access/pkg/logger"
	"github.com/jwalitptl/ehr-access/pkg/messaging"
	"github.com/jwalitptl/ehr-access/pkg/messaging/redis"
)

var _ health.Checker = (*redis.RedisBroker)(nil)

func get(t *testing.T, srv *http.Server, path string) int {
	t.Helper()
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w.Code
}

func TestOpenBroker_MemoryWithoutURL(t *testing.T) {
	broker, check, err := openBroker(context.Background(), config.RedisConfig{}, logger.Nop())
	require.NoError(t, err)
	defer broker.Close()

	assert.IsType(t, &messaging.MemoryBroker{}, broker)
	assert.Nil(t, check)
}

func TestOpenBroker_BadURL(t *testing.T) {
	_, _, err := openBroker(context.Background(), config.RedisConfig{URL: "not a url"}, logger.Nop())
	assert.Error(t, err)
}

func TestOpenBroker_RedisReadiness(t *testing.T) {
	mr := miniredis.RunT(t)
	broker, check, err := openBroker(context.Background(), config.RedisConfig{
		URL:        "redis://" + mr.Addr(),
		MaxRetries: -1,
	}, logger.Nop())
	require.NoError(t, err)
	defer broker.Close()
	require.NotNil(t, check)

	srv := healthServer(0, map[string]health.Checker{"redis": check}, promhandler.New("test", prometheus.NewRegistry()))
	assert.Equal(t, http.StatusOK, get(t, srv, "/health/live"))
	assert.Equal(t, http.StatusOK, get(t, srv, "/health/ready"))
	assert.Equal(t, http.StatusOK, get(t, srv, "/metrics"))

	mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/health/ready"))
}
