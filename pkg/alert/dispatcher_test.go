package alert

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/depsera/depsera/pkg/settings"
	"github.com/depsera/depsera/pkg/store"
)

type fakeSender struct {
	channelType string
	result      SendResult
	sent        []Event
}

func (s *fakeSender) Type() string {
	if s.channelType == "" {
		return "slack"
	}
	return s.channelType
}

func (s *fakeSender) Send(ctx context.Context, ev Event, config string) SendResult {
	s.sent = append(s.sent, ev)
	if s.result == (SendResult{}) {
		return SendResult{Success: true}
	}
	return s.result
}

type dispatchFixture struct {
	store      *store.Store
	dispatcher *Dispatcher
	sender     *fakeSender
	service    *store.Service
	dep        *store.Dependency
}

func newDispatchFixture(t *testing.T, senders ...Sender) *dispatchFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := &store.Service{
		Name:           "payments",
		TeamID:         "team-1",
		HealthEndpoint: "https://payments.example.com/health",
		IsActive:       true,
	}
	if err := st.CreateService(ctx, svc); err != nil {
		t.Fatalf("CreateService() error = %v", err)
	}
	dep := &store.Dependency{
		ServiceID:     svc.ID,
		Name:          "postgres",
		CanonicalName: "postgres",
		Type:          "database",
	}
	if err := st.InsertDependency(ctx, st.DB(), dep); err != nil {
		t.Fatalf("InsertDependency() error = %v", err)
	}

	var sender *fakeSender
	if len(senders) == 0 {
		sender = &fakeSender{}
		senders = []Sender{sender}
	} else if fs, ok := senders[0].(*fakeSender); ok {
		sender = fs
	}

	return &dispatchFixture{
		store:      st,
		dispatcher: NewDispatcher(st, settings.NewProvider(st), senders...),
		sender:     sender,
		service:    svc,
		dep:        dep,
	}
}

func (f *dispatchFixture) addChannel(t *testing.T, channelType string) *store.AlertChannel {
	t.Helper()
	ch := &store.AlertChannel{
		TeamID:      "team-1",
		ChannelType: channelType,
		Config:      `{"webhook_url":"https://hooks.slack.com/services/T/B/x"}`,
		IsActive:    true,
	}
	if err := f.store.CreateAlertChannel(context.Background(), ch); err != nil {
		t.Fatalf("CreateAlertChannel() error = %v", err)
	}
	return ch
}

func (f *dispatchFixture) addRule(t *testing.T, severityFilter string, active bool) {
	t.Helper()
	err := f.store.CreateAlertRule(context.Background(), &store.AlertRule{
		TeamID:         "team-1",
		SeverityFilter: severityFilter,
		IsActive:       active,
	})
	if err != nil {
		t.Fatalf("CreateAlertRule() error = %v", err)
	}
}

func (f *dispatchFixture) setSetting(t *testing.T, key, value string) {
	t.Helper()
	if err := f.store.SetSetting(context.Background(), key, value); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
}

func (f *dispatchFixture) event(kind Kind, impact string) Event {
	return Event{
		Kind:           kind,
		TeamID:         "team-1",
		ServiceID:      f.service.ID,
		ServiceName:    f.service.Name,
		DependencyID:   f.dep.ID,
		DependencyName: f.dep.Name,
		Impact:         impact,
		OccurredAt:     time.Now(),
	}
}

func TestDispatch_NoRuleIsSilent(t *testing.T) {
	f := newDispatchFixture(t)
	f.addChannel(t, "slack")

	f.dispatcher.dispatch(context.Background(), f.event(KindBecameUnhealthy, "critical"))

	if len(f.sender.sent) != 0 {
		t.Errorf("sends = %d, want 0 for a team without a rule", len(f.sender.sent))
	}
	history, err := f.store.ListAlertHistory(context.Background(), "team-1")
	if err != nil {
		t.Fatalf("ListAlertHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history rows = %d, want 0", len(history))
	}
}

func TestDispatch_InactiveRuleIsSilent(t *testing.T) {
	f := newDispatchFixture(t)
	f.addChannel(t, "slack")
	f.addRule(t, "all", false)

	f.dispatcher.dispatch(context.Background(), f.event(KindBecameUnhealthy, "critical"))
	if len(f.sender.sent) != 0 {
		t.Errorf("sends = %d, want 0 for an inactive rule", len(f.sender.sent))
	}
}

func TestDispatch_SeverityFilter(t *testing.T) {
	f := newDispatchFixture(t)
	f.addChannel(t, "slack")
	f.addRule(t, "critical", true)

	// Impact low derives warning severity: filtered out.
	f.dispatcher.dispatch(context.Background(), f.event(KindBecameUnhealthy, "low"))
	if len(f.sender.sent) != 0 {
		t.Fatalf("sends = %d, want 0 for warning under critical filter", len(f.sender.sent))
	}

	// Impact high derives critical severity: delivered.
	f.dispatcher.dispatch(context.Background(), f.event(KindBecameUnhealthy, "high"))
	if len(f.sender.sent) != 1 {
		t.Errorf("sends = %d, want 1 for critical event", len(f.sender.sent))
	}
}

func TestDispatch_RecordsDeliveryHistory(t *testing.T) {
	f := newDispatchFixture(t)
	ch := f.addChannel(t, "slack")
	f.addRule(t, "all", true)

	f.dispatcher.dispatch(context.Background(), f.event(KindBecameUnhealthy, "critical"))

	history, err := f.store.ListAlertHistory(context.Background(), "team-1")
	if err != nil {
		t.Fatalf("ListAlertHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(history))
	}
	row := history[0]
	if !row.Success {
		t.Error("success = false, want true")
	}
	if row.ChannelID != ch.ID {
		t.Errorf("channel id = %q, want %q", row.ChannelID, ch.ID)
	}
	if row.EventType != "became_unhealthy" {
		t.Errorf("event type = %q", row.EventType)
	}
	if row.Severity != "critical" {
		t.Errorf("severity = %q, want critical", row.Severity)
	}
	if row.DependencyID == nil || *row.DependencyID != f.dep.ID {
		t.Errorf("dependency id = %v, want %q", row.DependencyID, f.dep.ID)
	}
}

func TestDispatch_CooldownSuppressesRepeat(t *testing.T) {
	f := newDispatchFixture(t)
	f.addChannel(t, "slack")
	f.addRule(t, "all", true)

	ctx := context.Background()
	f.dispatcher.dispatch(ctx, f.event(KindBecameUnhealthy, "critical"))
	f.dispatcher.dispatch(ctx, f.event(KindBecameUnhealthy, "critical"))

	if len(f.sender.sent) != 1 {
		t.Errorf("sends = %d, want 1 (second suppressed by cooldown)", len(f.sender.sent))
	}

	// The recovery of a flap shares the window, so an
	// unhealthy-healthy-unhealthy burst produces a single delivery.
	f.dispatcher.dispatch(ctx, f.event(KindRecovered, "critical"))
	f.dispatcher.dispatch(ctx, f.event(KindBecameUnhealthy, "critical"))
	if len(f.sender.sent) != 1 {
		t.Errorf("sends = %d, want 1 across the whole flap", len(f.sender.sent))
	}

	// A different dependency has its own window.
	ev := f.event(KindBecameUnhealthy, "critical")
	ev.DependencyName = "redis"
	ev.DependencyID = ""
	f.dispatcher.dispatch(ctx, ev)
	if len(f.sender.sent) != 2 {
		t.Errorf("sends = %d, want 2 with a second dependency", len(f.sender.sent))
	}
}

func TestDispatch_FailedDeliveryDoesNotStartCooldown(t *testing.T) {
	sender := &fakeSender{result: SendResult{Error: "boom"}}
	f := newDispatchFixture(t, sender)
	f.addChannel(t, "slack")
	f.addRule(t, "all", true)

	ctx := context.Background()
	f.dispatcher.dispatch(ctx, f.event(KindBecameUnhealthy, "critical"))
	f.dispatcher.dispatch(ctx, f.event(KindBecameUnhealthy, "critical"))

	// Cooldown keys off successful deliveries only.
	if len(sender.sent) != 2 {
		t.Errorf("sends = %d, want 2 when the first delivery failed", len(sender.sent))
	}

	history, err := f.store.ListAlertHistory(ctx, "team-1")
	if err != nil {
		t.Fatalf("ListAlertHistory() error = %v", err)
	}
	for _, row := range history {
		if row.Success {
			t.Error("success = true, want false")
		}
		if row.Error == nil || *row.Error != "boom" {
			t.Errorf("error = %v, want boom", row.Error)
		}
	}
}

func TestDispatch_RateLimitWritesSingleMarker(t *testing.T) {
	f := newDispatchFixture(t)
	f.addChannel(t, "slack")
	f.addRule(t, "all", true)
	f.setSetting(t, settings.KeyAlertCooldownMinutes, "0")
	f.setSetting(t, settings.KeyAlertRateLimitPerHour, "2")

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.dispatcher.dispatch(ctx, f.event(KindBecameUnhealthy, "critical"))
	}

	if len(f.sender.sent) != 2 {
		t.Errorf("sends = %d, want 2 under the hourly cap", len(f.sender.sent))
	}

	history, err := f.store.ListAlertHistory(ctx, "team-1")
	if err != nil {
		t.Fatalf("ListAlertHistory() error = %v", err)
	}
	markers := 0
	for _, row := range history {
		if row.EventType == "rate_limited" {
			markers++
			if row.Success {
				t.Error("rate_limited marker success = true, want false")
			}
		}
	}
	if markers != 1 {
		t.Errorf("rate_limited markers = %d, want exactly 1 per hour", markers)
	}
}

func TestDispatch_FansOutToAllChannels(t *testing.T) {
	slack := &fakeSender{channelType: "slack"}
	webhook := &fakeSender{channelType: "webhook"}
	f := newDispatchFixture(t, slack, webhook)
	f.addChannel(t, "slack")
	f.addChannel(t, "webhook")
	f.addRule(t, "all", true)

	f.dispatcher.dispatch(context.Background(), f.event(KindBecameUnhealthy, "critical"))

	if len(slack.sent) != 1 || len(webhook.sent) != 1 {
		t.Errorf("sends = slack %d, webhook %d, want 1 each", len(slack.sent), len(webhook.sent))
	}
}

func TestDispatch_UnknownChannelTypeRecordedAsFailure(t *testing.T) {
	f := newDispatchFixture(t)
	f.addChannel(t, "pager")
	f.addRule(t, "all", true)

	ctx := context.Background()
	f.dispatcher.dispatch(ctx, f.event(KindBecameUnhealthy, "critical"))

	history, err := f.store.ListAlertHistory(ctx, "team-1")
	if err != nil {
		t.Fatalf("ListAlertHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].Success {
		t.Fatalf("history = %+v, want one failed row", history)
	}
	if history[0].Error == nil {
		t.Error("error = nil, want no-sender message")
	}
}

func TestEnqueue_DropsOnOverflow(t *testing.T) {
	f := newDispatchFixture(t)
	// Consumer not started: the queue fills to capacity.
	for i := 0; i < defaultQueueSize; i++ {
		if !f.dispatcher.Enqueue(f.event(KindBecameUnhealthy, "low")) {
			t.Fatalf("Enqueue() = false at %d, want room for %d", i, defaultQueueSize)
		}
	}
	if f.dispatcher.Enqueue(f.event(KindBecameUnhealthy, "low")) {
		t.Error("Enqueue() = true on a full queue, want drop")
	}
	if depth := f.dispatcher.QueueDepth(); depth != defaultQueueSize {
		t.Errorf("QueueDepth() = %d, want %d", depth, defaultQueueSize)
	}
}

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		impact string
		want   Severity
	}{
		{"critical", SeverityCritical},
		{"high", SeverityCritical},
		{"medium", SeverityWarning},
		{"low", SeverityWarning},
		{"", SeverityWarning},
	}
	for _, tt := range tests {
		ev := Event{Impact: tt.impact}
		if got := ev.EventSeverity(); got != tt.want {
			t.Errorf("EventSeverity(%q) = %s, want %s", tt.impact, got, tt.want)
		}
	}
}
