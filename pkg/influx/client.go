// Package influx mirrors committed dependency latency samples to an
// InfluxDB bucket. The exporter is optional and strictly best-effort:
// the relational store remains the source of truth.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// writeTimeout bounds one point write.
const writeTimeout = 5 * time.Second

// Exporter writes latency points to InfluxDB. A circuit breaker drops
// points while the backend is known-bad so poll workers never pile up
// behind a dead time-series store.
type Exporter struct {
	client         influxdb2.Client
	org            string
	bucket         string
	measurement    string
	circuitBreaker *gobreaker.CircuitBreaker
}

// NewExporter creates an exporter and verifies connectivity.
func NewExporter(url, token, org, bucket, measurement string) (*Exporter, error) {
	client := influxdb2.NewClient(url, token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	if health.Status != "pass" {
		return nil, fmt.Errorf("InfluxDB health check failed: %s", health.Status)
	}

	cbSettings := gobreaker.Settings{
		Name:        "InfluxDB",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	}

	return &Exporter{
		client:         client,
		org:            org,
		bucket:         bucket,
		measurement:    measurement,
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
	}, nil
}

// ExportLatency writes one latency point through the circuit breaker.
// While the breaker is open points are dropped rather than queued.
func (e *Exporter) ExportLatency(serviceName, dependencyName string, latencyMS int64, at time.Time) {
	_, err := e.circuitBreaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		p := write.NewPoint(
			e.measurement,
			map[string]string{
				"service":    serviceName,
				"dependency": dependencyName,
			},
			map[string]interface{}{
				"latency_ms": latencyMS,
			},
			at,
		)
		return nil, e.client.WriteAPIBlocking(e.org, e.bucket).WritePoint(ctx, p)
	})
	if err != nil {
		log.Debug().Err(err).
			Str("service", serviceName).
			Str("dependency", dependencyName).
			Msg("Latency point dropped")
	}
}

// CheckConnection tests if the connection to InfluxDB is healthy
func (e *Exporter) CheckConnection(ctx context.Context) error {
	health, err := e.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("connection check failed: %w", err)
	}

	if health.Status != "pass" {
		return fmt.Errorf("InfluxDB unhealthy: %s", health.Status)
	}

	return nil
}

// Close shuts the client down.
func (e *Exporter) Close() {
	e.client.Close()
}
