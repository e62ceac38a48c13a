// Package alertbridge implements errors.AlertChannel over NATS, publishing
// a fired AlertRule as a JSON message with the OpenTelemetry trace context
// of Send's ctx propagated through NATS headers. AlertRule calls Send with
// context.Background(), so an alert fired by a Reporter rule carries no
// trace context of the request whose error triggered it.
//
// Grounded on libs/go/core/natsctx/natsctx.go's Publish helper, generalized
// from a raw []byte publisher into a typed errors.AlertChannel.
package alertbridge

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
)

var propagator = propagation.TraceContext{}

// wireAlert is the JSON shape published to NATS — Alert itself holds a
// *taxonomy.Error, which isn't directly JSON-friendly, so the bridge
// flattens it before publishing.
type wireAlert struct {
	RuleName     string `json:"rule_name"`
	Kind         string `json:"kind"`
	Count        int    `json:"count"`
	WindowSecs   float64 `json:"window_seconds"`
	FiredAt      string `json:"fired_at"`
	LastErrorMsg string `json:"last_error_message,omitempty"`
}

// Bridge publishes fired alerts to a NATS subject.
type Bridge struct {
	nc      *nats.Conn
	subject string
}

// New wraps an already-connected NATS connection. Subject is typically a
// per-environment name like "research.alerts".
func New(nc *nats.Conn, subject string) *Bridge {
	return &Bridge{nc: nc, subject: subject}
}

// Send implements errors.AlertChannel: marshals a, injects ctx's trace
// context into the NATS message headers, and publishes.
func (b *Bridge) Send(ctx context.Context, a taxonomy.Alert) error {
	data, err := json.Marshal(toWireAlert(a))
	if err != nil {
		return fmt.Errorf("alertbridge: marshal alert: %w", err)
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: b.subject, Data: data, Header: hdr}
	return b.nc.PublishMsg(msg)
}

func toWireAlert(a taxonomy.Alert) wireAlert {
	wa := wireAlert{
		RuleName:   a.RuleName,
		Kind:       string(a.Kind),
		Count:      a.Count,
		WindowSecs: a.Window.Seconds(),
		FiredAt:    a.FiredAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if a.LastError != nil {
		wa.LastErrorMsg = a.LastError.Message
	}
	return wa
}
