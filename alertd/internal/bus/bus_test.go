package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn routes published messages to subscribers synchronously.
type fakeConn struct {
	mu        sync.Mutex
	handlers  map[string]nats.MsgHandler
	published map[string][][]byte
	subErr    error
	drained   bool
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers:  make(map[string]nats.MsgHandler),
		published: make(map[string][][]byte),
	}
}

func (f *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.mu.Lock()
	f.handlers[subject] = cb
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	f.published[subject] = append(f.published[subject], data)
	cb := f.handlers[subject]
	f.mu.Unlock()
	if cb != nil {
		cb(&nats.Msg{Subject: subject, Data: data})
	}
	return nil
}

func (f *fakeConn) Drain() error { f.drained = true; return nil }
func (f *fakeConn) Close()       { f.closed = true }

func (f *fakeConn) deliver(subject, data string) {
	f.handlers[subject](&nats.Msg{Subject: subject, Data: []byte(data)})
}

type mockRules struct {
	calls int
	err   error
}

func (m *mockRules) Invalidate(ctx context.Context) error {
	m.calls++
	return m.err
}

type mockLicense struct {
	customers []int64
}

func (m *mockLicense) Invalidate(ctx context.Context, customerID int64) error {
	m.customers = append(m.customers, customerID)
	return nil
}

func TestRuleChangedInvalidatesCatalog(t *testing.T) {
	fc := newFakeConn()
	b := newBus(fc, testLogger())
	rules := &mockRules{}
	if err := b.Subscribe(rules, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := fc.handlers[SubjectLicenseChanged]; ok {
		t.Error("license subject subscribed without an invalidator")
	}

	if err := b.PublishRuleChanged(3, 42); err != nil {
		t.Fatal(err)
	}
	if rules.calls != 1 {
		t.Errorf("Invalidate calls = %d, want 1", rules.calls)
	}

	var evt Event
	if err := json.Unmarshal(fc.published[SubjectRulesChanged][0], &evt); err != nil {
		t.Fatal(err)
	}
	if evt.CustomerID != 3 || evt.RuleID != 42 {
		t.Errorf("payload = %+v", evt)
	}
}

func TestLicenseChangedInvalidatesTenant(t *testing.T) {
	fc := newFakeConn()
	b := newBus(fc, testLogger())
	lic := &mockLicense{}
	if err := b.Subscribe(&mockRules{}, lic); err != nil {
		t.Fatal(err)
	}

	b.PublishLicenseChanged(7)
	fc.deliver(SubjectLicenseChanged, `{"rule_id": 1}`)

	if len(lic.customers) != 1 || lic.customers[0] != 7 {
		t.Errorf("invalidated = %v, want [7]", lic.customers)
	}
}

func TestMalformedPayloadIgnored(t *testing.T) {
	fc := newFakeConn()
	b := newBus(fc, testLogger())
	rules := &mockRules{}
	lic := &mockLicense{}
	b.Subscribe(rules, lic)

	fc.deliver(SubjectRulesChanged, "not json")
	fc.deliver(SubjectLicenseChanged, "{")

	if rules.calls != 0 || len(lic.customers) != 0 {
		t.Errorf("malformed events acted on: rules=%d license=%v", rules.calls, lic.customers)
	}
}

func TestInvalidateErrorIsSwallowed(t *testing.T) {
	fc := newFakeConn()
	b := newBus(fc, testLogger())
	rules := &mockRules{err: errors.New("redis down")}
	b.Subscribe(rules, nil)

	fc.deliver(SubjectRulesChanged, `{"customer_id": 1}`)
	if rules.calls != 1 {
		t.Errorf("calls = %d, want 1", rules.calls)
	}
}

func TestSubscribeError(t *testing.T) {
	fc := newFakeConn()
	fc.subErr = errors.New("permissions violation")
	if err := newBus(fc, testLogger()).Subscribe(&mockRules{}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestClose(t *testing.T) {
	fc := newFakeConn()
	newBus(fc, testLogger()).Close()
	if !fc.drained || !fc.closed {
		t.Errorf("drained=%v closed=%v", fc.drained, fc.closed)
	}
}
