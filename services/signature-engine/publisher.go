package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	neturl "net/url"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/swarm/libs/go/core/natsctx"
	"github.com/swarmguard/swarm/libs/go/core/otelinit"
	"github.com/swarmguard/swarm/libs/go/core/resilience"
	"github.com/swarmguard/swarm/services/signature-engine/scanner"
)

// MatchEvent is published once per scan that produced matches.
type MatchEvent struct {
	ScanID         string                `json:"scan_id"`
	At             time.Time             `json:"at"`
	Source         string                `json:"source,omitempty"`
	RulesetVersion string                `json:"ruleset_version,omitempty"`
	RulesetHash    string                `json:"ruleset_hash,omitempty"`
	Bytes          int64                 `json:"bytes"`
	Matches        []scanner.MatchResult `json:"matches"`
}

// matchPublisher sends match events to NATS behind a circuit breaker so a broker
// outage does not slow down scans.
type matchPublisher struct {
	conn    natsctx.Publisher
	subject string
	breaker *resilience.CircuitBreaker
	metrics otelinit.Metrics
}

func newMatchPublisher(conn natsctx.Publisher, subject string, metrics otelinit.Metrics) *matchPublisher {
	return &matchPublisher{
		conn:    conn,
		subject: subject,
		breaker: resilience.NewCircuitBreakerAdaptive("nats-publish", 30*time.Second, 6, 5, 0.5, 10*time.Second, 1),
		metrics: metrics,
	}
}

func (p *matchPublisher) Publish(ctx context.Context, ev MatchEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = p.breaker.Execute(func() error {
		return natsctx.Publish(ctx, p.conn, p.subject, data)
	})
	if err != nil {
		status := "error"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status = "circuit_open"
		}
		p.metrics.PublishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
		return err
	}
	p.metrics.Published.Add(ctx, 1)
	return nil
}

// connectNATS dials url with retries. Reconnects after the first successful
// connection are handled by the client.
func connectNATS(ctx context.Context, url string) (*nats.Conn, error) {
	return resilience.Retry(ctx, 5, 500*time.Millisecond, func() (*nats.Conn, error) {
		nc, err := nats.Connect(url,
			nats.Name("signature-engine"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			slog.Warn("nats connect failed", "url", url, "error", err)
			return nil, permanentNATSError(err)
		}
		return nc, nil
	})
}

// permanentNATSError marks failures a reconnect cannot fix: rejected credentials and
// malformed server URLs.
func permanentNATSError(err error) error {
	var urlErr *neturl.Error
	if errors.Is(err, nats.ErrAuthorization) ||
		errors.Is(err, nats.ErrAuthExpired) ||
		errors.Is(err, nats.ErrAuthRevoked) ||
		errors.As(err, &urlErr) {
		return resilience.Permanent(err)
	}
	return err
}
