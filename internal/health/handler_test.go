package health

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedGauge int

func (g fixedGauge) Active() int { return int(g) }

func TestReadyWithoutDatabase(t *testing.T) {
	h := NewHandler(nil, fixedGauge(3), func() int { return 7 }, time.Now().Add(-time.Minute))
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"storage":"memory"`)
	assert.Contains(t, body, `"upstream_subscriptions":3`)
	assert.Contains(t, body, `"stream_subscribers":7`)
	assert.NotContains(t, body, `"database"`)
}

func TestLive(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(nil, nil, nil, time.Time{}).Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
