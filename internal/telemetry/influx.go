package telemetry

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/registry"
)

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"-"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether enough is configured to write points.
func (c InfluxConfig) Enabled() bool {
	return c.URL != "" && c.Bucket != ""
}

// ProbeSink writes one point per health probe and one per notification. Writes are
// batched and never block the prober.
type ProbeSink struct {
	client influxdb2.Client
	write  api.WriteAPI
}

func NewProbeSink(cfg InfluxConfig, logger *zap.Logger) *ProbeSink {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(100).SetFlushInterval(1000))
	return newProbeSink(client, client.WriteAPI(cfg.Org, cfg.Bucket), logger)
}

func newProbeSink(client influxdb2.Client, write api.WriteAPI, logger *zap.Logger) *ProbeSink {
	s := &ProbeSink{client: client, write: write}
	go func() {
		for err := range write.Errors() {
			logger.Warn("influx write failed", zap.Error(err))
		}
	}()
	return s
}

func (s *ProbeSink) RecordProbe(status registry.ChainStatus, latency time.Duration, err error) {
	fields := map[string]interface{}{
		"latency_ms":           float64(latency.Microseconds()) / 1000,
		"consecutive_failures": status.ConsecutiveFailures,
		"ok":                   err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.write.WritePoint(influxdb2.NewPoint("chain_probe",
		map[string]string{"chain": string(status.Chain), "health": status.Health.String()},
		fields, status.LastCheck))
}

func (s *ProbeSink) Notify(n registry.Notification) {
	s.write.WritePoint(influxdb2.NewPoint("chain_notification",
		map[string]string{"chain": string(n.Status.Chain), "kind": string(n.Kind)},
		map[string]interface{}{"consecutive_failures": n.Status.ConsecutiveFailures},
		n.Status.LastCheck))
}

// Close flushes pending points and closes the client.
func (s *ProbeSink) Close() {
	s.write.Flush()
	s.client.Close()
}
