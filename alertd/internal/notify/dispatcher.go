// Package notify renders alert notifications and delivers them by email.
//
// # Delivery
//
// Dispatcher.Notify never blocks the alert cycle: notifications are queued
// to a bounded worker pool and dropped when the queue is full. Workers
// resolve the contact group, render the subject and body, and hand the
// message to a Transport. Failures are logged and counted, never returned.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autointelli/alertd/pkg/types"
)

// Notification is one alert or recovery to deliver.
type Notification struct {
	TemplateID     string
	Rule           *types.Rule
	ContactGroupID *int64
	Fields         map[string]any
}

// Notifier accepts notifications.
type Notifier interface {
	Notify(n Notification)
}

// ContactResolver returns the email recipients of a contact group.
type ContactResolver interface {
	ResolveRecipients(ctx context.Context, groupID int64) ([]string, error)
}

// Config contains dispatcher configuration.
type Config struct {
	// Workers is the number of concurrent senders.
	Workers int

	// QueueSize bounds pending notifications. Notify drops when it is full.
	QueueSize int

	// SendTimeout bounds recipient lookup plus transport delivery.
	SendTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		SendTimeout: 30 * time.Second,
	}
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Enqueued            int64 `json:"enqueued"`
	Dropped             int64 `json:"dropped"`
	Sent                int64 `json:"sent"`
	Failed              int64 `json:"failed"`
	SkippedNoRecipients int64 `json:"skipped_no_recipients"`
}

type job struct {
	n      Notification
	fields map[string]any
}

// Dispatcher delivers notifications asynchronously.
type Dispatcher struct {
	cfg       Config
	contacts  ContactResolver
	transport Transport
	renderer  *Renderer
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	queue  chan job
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc

	enqueued, dropped, sent, failed, skipped atomic.Int64
}

// NewDispatcher creates a dispatcher. Call Start to begin delivery.
func NewDispatcher(contacts ContactResolver, transport Transport, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Dispatcher{
		cfg:       cfg,
		contacts:  contacts,
		transport: transport,
		renderer:  MustRenderer(),
		logger:    logger.With("component", "notify"),
		now:       time.Now,
		queue:     make(chan job, cfg.QueueSize),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize)
}

// Stop stops accepting notifications, drains the queue and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
	st := d.Stats()
	d.logger.Info("dispatcher stopped", "sent", st.Sent, "failed", st.Failed, "dropped", st.Dropped)
}

// Notify enqueues n without blocking. Derived fields are computed now so the
// alert time reflects the transition, not the delivery.
func (d *Dispatcher) Notify(n Notification) {
	j := job{n: n, fields: Enrich(n.Fields, n.Rule, d.now())}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		d.logger.Warn("notification dropped, dispatcher stopped", "template", n.TemplateID)
		return
	}
	select {
	case d.queue <- j:
		d.enqueued.Add(1)
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification dropped, queue full",
			"template", n.TemplateID,
			"rule_id", ruleID(n.Rule),
			"queue_size", d.cfg.QueueSize,
		)
	}
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:            d.enqueued.Load(),
		Dropped:             d.dropped.Load(),
		Sent:                d.sent.Load(),
		Failed:              d.failed.Load(),
		SkippedNoRecipients: d.skipped.Load(),
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(ctx, j)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	logger := d.logger.With("template", j.n.TemplateID, "rule_id", ruleID(j.n.Rule))

	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			logger.Error("notification panicked", "panic", r)
		}
	}()

	if j.n.ContactGroupID == nil {
		d.skipped.Add(1)
		logger.Debug("no contact group, notification skipped")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	to, err := d.contacts.ResolveRecipients(ctx, *j.n.ContactGroupID)
	if err != nil {
		d.failed.Add(1)
		logger.Error("failed to resolve recipients", "contact_group_id", *j.n.ContactGroupID, "error", err)
		return
	}
	if len(to) == 0 {
		d.skipped.Add(1)
		logger.Debug("contact group has no recipients", "contact_group_id", *j.n.ContactGroupID)
		return
	}

	subject := d.renderer.Subject(j.n.TemplateID, j.fields)
	body, err := d.renderer.Body(j.n.TemplateID, j.fields)
	if err != nil {
		d.failed.Add(1)
		logger.Error("failed to render notification", "error", err)
		return
	}

	msg := Message{To: to, Subject: subject, HTML: body}
	if err := d.transport.Send(ctx, msg); err != nil {
		d.failed.Add(1)
		logger.Error("failed to send notification", "recipients", len(to), "error", err)
		return
	}
	d.sent.Add(1)
	logger.Info("notification sent", "subject", subject, "recipients", len(to))
}

func ruleID(r *types.Rule) int64 {
	if r == nil {
		return 0
	}
	return r.ID
}
