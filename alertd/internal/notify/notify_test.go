package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/autointelli/alertd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

// =============================================================================
// MOCKS
// =============================================================================

type mockContacts struct {
	mu     sync.Mutex
	groups map[int64][]string
	err    error
	calls  int
}

func (m *mockContacts) ResolveRecipients(ctx context.Context, groupID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.groups[groupID], nil
}

type mockTransport struct {
	mu    sync.Mutex
	sent  []Message
	err   error
	block chan struct{}
}

func (m *mockTransport) Send(ctx context.Context, msg Message) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockTransport) messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// =============================================================================
// FIELDS & SUBJECTS
// =============================================================================

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		secs int64
		want string
	}{
		{0, "0h 0m 0s"},
		{90, "0h 1m 30s"},
		{3725, "1h 2m 5s"},
		{86400 + 3600 + 61, "1d 1h 1m 1s"},
		{-5, "0h 0m 0s"},
	}
	for _, tt := range tests {
		if got := HumanDuration(tt.secs); got != tt.want {
			t.Errorf("HumanDuration(%d) = %q, want %q", tt.secs, got, tt.want)
		}
	}
}

func TestEnrich(t *testing.T) {
	now := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	rule := &types.Rule{ID: 4, CustomerID: 9, Name: "Ping loss"}

	got := Enrich(map[string]any{"hostname": "10.0.0.1", "downtime": int64(90)}, rule, now)

	if got["alert_time_utc"] != "2025-03-01T20:00:00Z" {
		t.Errorf("alert_time_utc = %v", got["alert_time_utc"])
	}
	if got["alert_time_ist"] != "2025-03-02 01:30:00 IST" {
		t.Errorf("alert_time_ist = %v", got["alert_time_ist"])
	}
	if got["downtime_human"] != "0h 1m 30s" {
		t.Errorf("downtime_human = %v", got["downtime_human"])
	}
	if got["rule_name"] != "Ping loss" || got["customer_id"] != int64(9) {
		t.Errorf("rule fields = %v, %v", got["rule_name"], got["customer_id"])
	}

	noDowntime := Enrich(map[string]any{"downtime": nil}, rule, now)
	if _, ok := noDowntime["downtime_human"]; ok {
		t.Error("downtime_human set without downtime")
	}
}

func TestFormatUTCMicroseconds(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 1500, time.UTC)
	if got := FormatUTC(ts); got != "2025-01-01T00:00:00.000001Z" {
		t.Errorf("FormatUTC = %s", got)
	}
}

func TestFormatSubject(t *testing.T) {
	tests := []struct {
		line   string
		fields map[string]any
		want   string
	}{
		{"Ping Latency Alert for {hostname}", map[string]any{"hostname": "10.0.0.1"}, "Ping Latency Alert for 10.0.0.1"},
		{"Port Down Alert for {hostname}:{port}", map[string]any{"hostname": "db", "port": 5432}, "Port Down Alert for db:5432"},
		{"Port Down Alert for {hostname}:{port}", map[string]any{"hostname": "db"}, "Port Down Alert for {hostname}:{port}"},
		{"Oracle Database Down Alert", nil, "Oracle Database Down Alert"},
		{"unbalanced {brace", map[string]any{}, "unbalanced {brace"},
		{"{hostname}", map[string]any{"hostname": nil}, ""},
		{"Port Down Alert for {hostname}:{port}", map[string]any{"hostname": "db1", "port": nil}, "Port Down Alert for db1:"},
	}
	for _, tt := range tests {
		if got := FormatSubject(tt.line, tt.fields); got != tt.want {
			t.Errorf("FormatSubject(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestRendererKnownAndGenericTemplates(t *testing.T) {
	r := MustRenderer()
	fields := Enrich(map[string]any{
		"hostname":    "10.0.0.1",
		"latency_ms":  250.5,
		"packet_loss": 0.0,
	}, &types.Rule{Name: "Ping latency"}, time.Now())

	for id := range subjectMap {
		if !r.Has(id) {
			t.Errorf("template %s has a subject but no layout", id)
		}
	}

	body, err := r.Body("ping_latency", fields)
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	for _, want := range []string{"10.0.0.1", "250.5", "Ping latency threshold breached", "Packet loss"} {
		if !strings.Contains(body, want) {
			t.Errorf("ping_latency body missing %q", want)
		}
	}

	generic, err := r.Body("custom_link_down", map[string]any{"link": "hq-tunnel"})
	if err != nil {
		t.Fatalf("generic Body: %v", err)
	}
	if !strings.Contains(generic, "hq-tunnel") || !strings.Contains(generic, "custom link down") {
		t.Errorf("generic body does not list fields: %s", generic)
	}
	if got := r.Subject("custom_alert", nil); got != "custom_alert" {
		t.Errorf("unknown subject = %q", got)
	}
}

func TestRendererFortigate(t *testing.T) {
	r := MustRenderer()
	fields := map[string]any{
		"hostname":     "fw-hq",
		"vpn_name":     "to-branch",
		"metric_name":  "vpn_tunnel_down",
		"metric_value": "DOWN",
	}

	if got := r.Subject("fortigate_vpn_down", fields); got != "Fortigate VPN Down: fw-hq / to-branch" {
		t.Errorf("subject = %q", got)
	}
	body, err := r.Body("fortigate_vpn_down", fields)
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	for _, want := range []string{"fw-hq", "to-branch", "VPN tunnel is down"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if strings.Contains(body, "SD-WAN link") {
		t.Error("absent fields should not render rows")
	}

	sys := map[string]any{"hostname": "fw-hq", "metric_name": "mem_usage", "metric_value": 91.5}
	if got := r.Subject("fortigate_sys_recovery", sys); got != "Fortigate System Recovery: fw-hq" {
		t.Errorf("sys subject = %q", got)
	}
}

// =============================================================================
// DISPATCHER
// =============================================================================

func newTestDispatcher(contacts ContactResolver, transport Transport, cfg Config) *Dispatcher {
	d := NewDispatcher(contacts, transport, cfg, testLogger())
	d.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return d
}

func TestDispatcherDelivers(t *testing.T) {
	contacts := &mockContacts{groups: map[int64][]string{7: {"noc@example.com", "ops@example.com"}}}
	transport := &mockTransport{}
	d := newTestDispatcher(contacts, transport, DefaultConfig())
	d.Start(context.Background())

	d.Notify(Notification{
		TemplateID:     "ping_latency",
		Rule:           &types.Rule{ID: 1, Name: "Ping latency"},
		ContactGroupID: ptr(int64(7)),
		Fields:         map[string]any{"hostname": "10.0.0.1", "latency_ms": 300},
	})
	d.Stop()

	msgs := transport.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].Subject != "Ping Latency Alert for 10.0.0.1" {
		t.Errorf("subject = %q", msgs[0].Subject)
	}
	if len(msgs[0].To) != 2 {
		t.Errorf("recipients = %v", msgs[0].To)
	}
	if st := d.Stats(); st.Enqueued != 1 || st.Sent != 1 || st.Failed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDispatcherSkipsWithoutRecipients(t *testing.T) {
	contacts := &mockContacts{groups: map[int64][]string{}}
	transport := &mockTransport{}
	d := newTestDispatcher(contacts, transport, DefaultConfig())
	d.Start(context.Background())

	d.Notify(Notification{TemplateID: "url_down", Rule: &types.Rule{ID: 1}, ContactGroupID: ptr(int64(3))})
	d.Notify(Notification{TemplateID: "url_down", Rule: &types.Rule{ID: 1}})
	d.Stop()

	if len(transport.messages()) != 0 {
		t.Error("sent to an empty contact group")
	}
	if st := d.Stats(); st.SkippedNoRecipients != 2 {
		t.Errorf("skipped = %d, want 2", st.SkippedNoRecipients)
	}
	if contacts.calls != 1 {
		t.Errorf("resolver calls = %d, want 1 (nil group is not looked up)", contacts.calls)
	}
}

func TestDispatcherCountsFailures(t *testing.T) {
	contacts := &mockContacts{groups: map[int64][]string{1: {"a@example.com"}}}
	transport := &mockTransport{err: errors.New("relay refused")}
	d := newTestDispatcher(contacts, transport, DefaultConfig())
	d.Start(context.Background())

	d.Notify(Notification{TemplateID: "port_alert", Rule: &types.Rule{ID: 1}, ContactGroupID: ptr(int64(1))})
	d.Stop()

	if st := d.Stats(); st.Failed != 1 || st.Sent != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	contacts := &mockContacts{groups: map[int64][]string{1: {"a@example.com"}}}
	transport := &mockTransport{block: make(chan struct{})}
	d := newTestDispatcher(contacts, transport, Config{Workers: 1, QueueSize: 2})
	d.Start(context.Background())

	n := Notification{TemplateID: "url_down", Rule: &types.Rule{ID: 1}, ContactGroupID: ptr(int64(1))}
	d.Notify(n)

	// Wait until the worker has taken the first job and is blocked in Send.
	deadline := time.Now().Add(2 * time.Second)
	for len(d.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		d.Notify(n) // two fit in the queue, three are dropped
	}
	close(transport.block)
	d.Stop()

	st := d.Stats()
	if st.Dropped != 3 || st.Enqueued != 3 || st.Sent != 3 {
		t.Errorf("stats = %+v, want 3 enqueued, 3 dropped, 3 sent", st)
	}
}

func TestDispatcherNotifyAfterStop(t *testing.T) {
	d := newTestDispatcher(&mockContacts{}, &mockTransport{}, DefaultConfig())
	d.Start(context.Background())
	d.Stop()
	d.Stop()

	d.Notify(Notification{TemplateID: "url_down"})
	if st := d.Stats(); st.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", st.Dropped)
	}
}

// =============================================================================
// SMTP TRANSPORT
// =============================================================================

type staticSMTP struct{ cfg *types.SMTPConfig }

func (s staticSMTP) GetSMTPConfig(ctx context.Context) (*types.SMTPConfig, error) { return s.cfg, nil }

type staticSecrets map[string]string

func (s staticSecrets) Get(ctx context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func TestBuildSMTPURL(t *testing.T) {
	cfg := &types.SMTPConfig{Host: "smtp.example.com", Port: 587, Security: types.SMTPSecurityTLS, Sender: "alerts@example.com", Username: "alerts"}
	raw := BuildSMTPURL(cfg, "p@ss/word", []string{"a@example.com", "b@example.com"}, "Ping Recovery for 10.0.0.1", false)

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid URL %s: %v", raw, err)
	}
	if u.Scheme != "smtp" || u.Host != "smtp.example.com:587" {
		t.Errorf("scheme/host = %s %s", u.Scheme, u.Host)
	}
	if pw, _ := u.User.Password(); pw != "p@ss/word" || u.User.Username() != "alerts" {
		t.Errorf("userinfo = %s", u.User)
	}
	q := u.Query()
	if q.Get("encryption") != "ExplicitTLS" || q.Get("auth") != "Plain" {
		t.Errorf("encryption/auth = %s/%s", q.Get("encryption"), q.Get("auth"))
	}
	if q.Get("toaddresses") != "a@example.com,b@example.com" || q.Get("subject") != "Ping Recovery for 10.0.0.1" {
		t.Errorf("query = %v", q)
	}

	for sec, want := range map[types.SMTPSecurity]string{
		types.SMTPSecuritySSL:  "ImplicitTLS",
		types.SMTPSecurityNone: "None",
	} {
		cfg.Security = sec
		u, _ := url.Parse(BuildSMTPURL(cfg, "", nil, "", true))
		if got := u.Query().Get("encryption"); got != want {
			t.Errorf("security %s: encryption = %s, want %s", sec, got, want)
		}
	}
}

func TestSMTPTransportSend(t *testing.T) {
	cfg := &types.SMTPConfig{Host: "relay", Port: 25, Sender: "a@example.com", Username: "u", PasswordRef: "smtp"}
	tr := NewSMTPTransport(staticSMTP{cfg}, staticSecrets{"smtp": "from-vault"}, false)

	var gotURL, gotBody string
	tr.send = func(rawURL, body string) error {
		gotURL, gotBody = rawURL, body
		return nil
	}

	err := tr.Send(context.Background(), Message{To: []string{"x@example.com"}, Subject: "s", HTML: "<p>Host <b>down</b></p>"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(gotURL, "from-vault") {
		t.Errorf("password from secrets not used: %s", gotURL)
	}
	if strings.Contains(gotBody, "<b>") || !strings.Contains(gotBody, "down") {
		t.Errorf("body not converted to text: %q", gotBody)
	}
}

func TestSMTPTransportNoConfig(t *testing.T) {
	tr := NewSMTPTransport(staticSMTP{nil}, nil, true)
	if err := tr.Send(context.Background(), Message{}); !errors.Is(err, ErrNoSMTPConfig) {
		t.Errorf("err = %v, want ErrNoSMTPConfig", err)
	}
}
