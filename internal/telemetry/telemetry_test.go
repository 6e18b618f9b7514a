package telemetry

import (
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/registry"
)

func TestMetrics(t *testing.T) {
	t.Run("should track probe results and health", func(t *testing.T) {
		m := NewMetrics()
		status := registry.ChainStatus{Chain: chain.TypeAptos, Health: registry.Degraded, ConsecutiveFailures: 1}
		m.RecordProbe(status, 30*time.Millisecond, errors.New("timeout"))
		status.Health = registry.Healthy
		status.ConsecutiveFailures = 0
		m.RecordProbe(status, 10*time.Millisecond, nil)

		assert.Equal(t, float64(registry.Healthy), testutil.ToFloat64(m.health.WithLabelValues("aptos")))
		assert.Equal(t, float64(0), testutil.ToFloat64(m.failures.WithLabelValues("aptos")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.probes.WithLabelValues("aptos", "error")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.probes.WithLabelValues("aptos", "ok")))
	})

	t.Run("should count notifications submissions and burns", func(t *testing.T) {
		m := NewMetrics()
		m.Notify(registry.Notification{Kind: registry.NotifyUnhealthy, Status: registry.ChainStatus{Chain: chain.TypeBase}})
		m.RecordSubmission(chain.TypeBase, "execute_burn", nil)
		m.RecordSubmission(chain.TypeBase, "execute_burn", errors.New("reverted"))
		m.RecordBurn(chain.TypeBase, chain.TxPending, big.NewInt(100))
		m.RecordBurn(chain.TypeBase, chain.TxPending, big.NewInt(30))

		assert.Equal(t, float64(1), testutil.ToFloat64(m.notifications.WithLabelValues("base", "unhealthy")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.submissions.WithLabelValues("base", "execute_burn", "error")))
		assert.Equal(t, float64(2), testutil.ToFloat64(m.burns.WithLabelValues("base", "pending")))
		assert.Equal(t, float64(130), testutil.ToFloat64(m.burned.WithLabelValues("base")))
	})

	t.Run("should serve the exposition format", func(t *testing.T) {
		m := NewMetrics()
		m.RecordSubmission(chain.TypeEthereum, "register_match", nil)

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `chainsettle_submissions_total{chain="ethereum",op="register_match",result="ok"} 1`)
	})
}

func TestProbeSink(t *testing.T) {
	t.Run("should write probe points as line protocol", func(t *testing.T) {
		var mu sync.Mutex
		var bodies []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/v2/write" {
				raw, _ := io.ReadAll(r.Body)
				mu.Lock()
				bodies = append(bodies, string(raw))
				mu.Unlock()
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		cfg := InfluxConfig{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"}
		require.True(t, cfg.Enabled())
		sink := NewProbeSink(cfg, zap.NewNop())
		sink.RecordProbe(registry.ChainStatus{
			Chain: chain.TypePolygon, Health: registry.Healthy, LastCheck: time.Now(),
		}, 12*time.Millisecond, nil)
		sink.Notify(registry.Notification{Kind: registry.NotifyRecovered, Status: registry.ChainStatus{Chain: chain.TypePolygon, LastCheck: time.Now()}})
		sink.Close()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			all := strings.Join(bodies, "\n")
			return strings.Contains(all, "chain_probe,chain=polygon,health=healthy") &&
				strings.Contains(all, "chain_notification,chain=polygon,kind=recovered")
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("should be disabled without a url", func(t *testing.T) {
		assert.False(t, InfluxConfig{Bucket: "b"}.Enabled())
	})
}
