// Package bus connects alertd to the NATS change feed published by the
// configuration side. Rule edits drop the cached rule catalog and license
// edits drop a tenant's cached usage.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects.
const (
	SubjectRulesChanged   = "alertd.rules.changed"
	SubjectLicenseChanged = "alertd.license.changed"
)

// invalidateTimeout bounds one cache invalidation triggered by an event.
const invalidateTimeout = 5 * time.Second

// Event is the payload of every change subject.
type Event struct {
	CustomerID int64 `json:"customer_id"`
	RuleID     int64 `json:"rule_id,omitempty"`
}

// RuleInvalidator drops cached rule lists.
type RuleInvalidator interface {
	Invalidate(ctx context.Context) error
}

// LicenseInvalidator drops a tenant's cached license usage.
type LicenseInvalidator interface {
	Invalidate(ctx context.Context, customerID int64) error
}

// conn is the part of *nats.Conn used here.
type conn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// Bus subscribes to change events and publishes them.
type Bus struct {
	conn    conn
	rules   RuleInvalidator
	license LicenseInvalidator
	logger  *slog.Logger
	subs    []*nats.Subscription
}

// Connect dials NATS at url. The connection reconnects on its own; state
// changes are logged.
func Connect(url string, logger *slog.Logger) (*Bus, error) {
	logger = logger.With("component", "bus")
	nc, err := nats.Connect(url,
		nats.Name("alertd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &Bus{conn: nc, logger: logger}, nil
}

// newBus wraps an existing connection.
func newBus(c conn, logger *slog.Logger) *Bus {
	return &Bus{conn: c, logger: logger.With("component", "bus")}
}

// Subscribe starts delivering rule events to rules and license events to
// license. Either may be nil to skip its subject.
func (b *Bus) Subscribe(rules RuleInvalidator, license LicenseInvalidator) error {
	b.rules = rules
	b.license = license
	if rules != nil {
		sub, err := b.conn.Subscribe(SubjectRulesChanged, b.handleRules)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", SubjectRulesChanged, err)
		}
		b.subs = append(b.subs, sub)
	}
	if license != nil {
		sub, err := b.conn.Subscribe(SubjectLicenseChanged, b.handleLicense)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", SubjectLicenseChanged, err)
		}
		b.subs = append(b.subs, sub)
	}
	b.logger.Info("subscribed to change events", "subscriptions", len(b.subs))
	return nil
}

// PublishRuleChanged announces a rule create, update or delete.
func (b *Bus) PublishRuleChanged(customerID, ruleID int64) error {
	return b.publish(SubjectRulesChanged, Event{CustomerID: customerID, RuleID: ruleID})
}

// PublishLicenseChanged announces a license or monitor count change.
func (b *Bus) PublishLicenseChanged(customerID int64) error {
	return b.publish(SubjectLicenseChanged, Event{CustomerID: customerID})
}

func (b *Bus) publish(subject string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (b *Bus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("nats drain failed", "error", err)
	}
	b.conn.Close()
}

func (b *Bus) decode(msg *nats.Msg) (Event, bool) {
	var evt Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		b.logger.Warn("ignoring malformed change event",
			"subject", msg.Subject,
			"error", err,
		)
		return evt, false
	}
	return evt, true
}

func (b *Bus) handleRules(msg *nats.Msg) {
	evt, ok := b.decode(msg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	if err := b.rules.Invalidate(ctx); err != nil {
		b.logger.Error("invalidating rule catalog failed", "error", err)
		return
	}
	b.logger.Debug("rule catalog invalidated",
		"customer_id", evt.CustomerID,
		"rule_id", evt.RuleID,
	)
}

func (b *Bus) handleLicense(msg *nats.Msg) {
	evt, ok := b.decode(msg)
	if !ok {
		return
	}
	if evt.CustomerID == 0 {
		b.logger.Warn("ignoring license event without customer_id")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	if err := b.license.Invalidate(ctx, evt.CustomerID); err != nil {
		b.logger.Error("invalidating license usage failed",
			"customer_id", evt.CustomerID,
			"error", err,
		)
		return
	}
	b.logger.Debug("license usage invalidated", "customer_id", evt.CustomerID)
}
