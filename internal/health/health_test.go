package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) Result { return Result{Status: StatusHealthy} }

func TestChecker_Overall(t *testing.T) {
	tests := []struct {
		name     string
		critical bool
		check    Check
		want     Status
	}{
		{"healthy critical", true, healthy, StatusHealthy},
		{"failing critical", true, PingCheck(func(context.Context) error { return errors.New("down") }), StatusUnhealthy},
		{"failing optional", false, PingCheck(func(context.Context) error { return errors.New("down") }), StatusDegraded},
		{"panicking critical", true, func(context.Context) Result { panic("boom") }, StatusUnhealthy},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker()
			c.Register("authority", true, healthy)
			c.Register("component", tc.critical, tc.check)

			c.Run(context.Background())
			assert.Equal(t, tc.want, c.Overall())
		})
	}
}

func TestChecker_UnknownUntilRun(t *testing.T) {
	c := NewChecker()
	c.Register("journal", true, healthy)
	assert.Equal(t, StatusUnknown, c.Overall())
	c.Run(context.Background())
	assert.Equal(t, StatusHealthy, c.Overall())
}

func TestChecker_Timeout(t *testing.T) {
	c := NewChecker()
	c.Register("slow", true, func(ctx context.Context) Result {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Result{Status: StatusHealthy}
	})
	c.components["slow"] = component{critical: true, check: c.components["slow"].check, timeout: 20 * time.Millisecond}

	res := c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, res["slow"].Status)
	assert.Equal(t, "check timed out", res["slow"].Message)
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	c.Register("authority", true, healthy)
	h := c.ReadinessHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_Report(t *testing.T) {
	c := NewChecker()
	c.Register("storage", true, WritableDirCheck(t.TempDir()))
	c.Register("feed", false, PingCheck(func(context.Context) error { return errors.New("refused") }))
	c.SetReady(true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var rep Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rep))
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.True(t, rep.Ready)
	assert.Equal(t, StatusHealthy, rep.Components["storage"].Status)
	assert.Equal(t, "refused", rep.Components["feed"].Error)
	assert.Equal(t, []string{"feed", "storage"}, c.Names())
}

func TestWritableDirCheck_Missing(t *testing.T) {
	r := WritableDirCheck(filepath.Join(t.TempDir(), "absent"))(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}
