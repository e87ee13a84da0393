package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthfolio/pulse/internal/anomaly"
	"github.com/healthfolio/pulse/internal/broadcast"
	"github.com/healthfolio/pulse/internal/config"
	"github.com/healthfolio/pulse/internal/registry"
	"github.com/healthfolio/pulse/internal/rules"
	"github.com/healthfolio/pulse/internal/vitals"
)

type fakeSink struct {
	id     string
	closed bool
	pushed [][]byte
}

func (f *fakeSink) ID() string { return f.id }
func (f *fakeSink) Open() bool { return !f.closed }
func (f *fakeSink) Close()     { f.closed = true }
func (f *fakeSink) Push(p []byte) bool {
	if f.closed || p == nil {
		return false
	}
	f.pushed = append(f.pushed, p)
	return true
}

// last unmarshals the most recent push into a generic map.
func (f *fakeSink) last(t *testing.T) map[string]any {
	t.Helper()
	require.NotEmpty(t, f.pushed)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(f.pushed[len(f.pushed)-1], &msg))
	return msg
}

func (f *fakeSink) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, raw := range f.pushed {
		var msg struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg.Type)
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		StalenessThreshold: time.Hour,
		StalenessRepeat:    true,
		SubjectTTLFactor:   3,
		AnomalyTimeout:     time.Second,
		SendBuffer:         16,
	}
}

func newTestLoop(detector anomaly.Detector) (*Loop, *registry.Registry) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(0)
	bc := broadcast.New(reg, nil, logger)
	return New(reg, bc, detector, rules.Defaults(), testConfig(), logger), reg
}

func registerCoach(t *testing.T, l *Loop, sink *fakeSink, coachID string, clients ...string) {
	t.Helper()
	l.handleInbound(sink, []byte(`{"type":"register_coach","coachId":"`+coachID+`"}`))
	for _, c := range clients {
		l.handleInbound(sink, []byte(`{"type":"subscribe_client","clientId":"`+c+`"}`))
	}
	sink.pushed = nil // drop the handshake replies
}

func TestRegisterCoachReply(t *testing.T) {
	l, reg := newTestLoop(nil)
	sink := &fakeSink{id: "conn-1"}

	l.handleInbound(sink, []byte(`{"type":"register_coach","coachId":"coach-1"}`))

	msg := sink.last(t)
	assert.Equal(t, TypeCoachRegistered, msg["type"])
	assert.Equal(t, "coach-1", msg["coachId"])
	assert.Equal(t, 1, reg.ObserverCount())
}

// TestReRegisterClosesOldHandle verifies a coach reconnecting under the
// same id gets the old connection torn down.
func TestReRegisterClosesOldHandle(t *testing.T) {
	l, reg := newTestLoop(nil)
	old := &fakeSink{id: "conn-1"}
	fresh := &fakeSink{id: "conn-2"}

	l.handleInbound(old, []byte(`{"type":"register_coach","coachId":"coach-1"}`))
	l.handleInbound(fresh, []byte(`{"type":"register_coach","coachId":"coach-1"}`))

	assert.True(t, old.closed)
	assert.False(t, fresh.closed)
	assert.Equal(t, 1, reg.ObserverCount())
}

func TestSubscribeReply(t *testing.T) {
	l, _ := newTestLoop(nil)
	sink := &fakeSink{id: "conn-1"}

	l.handleInbound(sink, []byte(`{"type":"register_coach","coachId":"coach-1"}`))
	l.handleInbound(sink, []byte(`{"type":"subscribe_client","clientId":"client-1"}`))

	msg := sink.last(t)
	assert.Equal(t, TypeClientSubscribed, msg["type"])
	assert.Equal(t, "client-1", msg["clientId"])
}

// TestSubscribeBeforeRegisterIgnored verifies an unregistered connection's
// subscribe produces no reply and no state change.
func TestSubscribeBeforeRegisterIgnored(t *testing.T) {
	l, reg := newTestLoop(nil)
	sink := &fakeSink{id: "conn-1"}

	l.handleInbound(sink, []byte(`{"type":"subscribe_client","clientId":"client-1"}`))

	assert.Empty(t, sink.pushed)
	assert.Equal(t, 0, reg.ObserverCount())
}

func TestPingPong(t *testing.T) {
	l, _ := newTestLoop(nil)
	sink := &fakeSink{id: "conn-1"}

	l.handleInbound(sink, []byte(`{"type":"ping"}`))

	assert.Equal(t, TypePong, sink.last(t)["type"])
}

func TestUnknownMessageType(t *testing.T) {
	l, _ := newTestLoop(nil)
	sink := &fakeSink{id: "conn-1"}

	l.handleInbound(sink, []byte(`{"type":"teleport"}`))

	msg := sink.last(t)
	assert.Equal(t, TypeError, msg["type"])
	assert.Equal(t, "Unknown message type: teleport", msg["message"])
}

func TestMalformedMessage(t *testing.T) {
	l, _ := newTestLoop(nil)
	sink := &fakeSink{id: "conn-1"}

	l.handleInbound(sink, []byte(`{not json`))

	msg := sink.last(t)
	assert.Equal(t, TypeError, msg["type"])
	assert.Equal(t, "Invalid message format", msg["message"])
}

// TestMissingTypeField pins the taxonomy for a payload that parses but
// carries no type tag: malformed, not unknown kind.
func TestMissingTypeField(t *testing.T) {
	l, _ := newTestLoop(nil)
	sink := &fakeSink{id: "conn-1"}

	l.handleInbound(sink, []byte(`{"clientId":"client-1"}`))

	msg := sink.last(t)
	assert.Equal(t, TypeError, msg["type"])
	assert.Equal(t, "Invalid message format", msg["message"])
}

func TestHealthUpdateMissingFields(t *testing.T) {
	l, _ := newTestLoop(nil)
	sink := &fakeSink{id: "conn-1"}

	l.handleInbound(sink, []byte(`{"type":"health_update","metrics":{"heartRate":70}}`))

	assert.Equal(t, "Invalid message format", sink.last(t)["message"])
}

// TestCriticalHeartRateScenario verifies the 125 bpm flow end to end: the
// exact subscriber sees the routine update followed by a critical alert,
// the wildcard subscriber sees only the alert.
func TestCriticalHeartRateScenario(t *testing.T) {
	l, _ := newTestLoop(nil)
	device := &fakeSink{id: "device"}
	coach := &fakeSink{id: "coach"}
	watcher := &fakeSink{id: "watcher"}
	registerCoach(t, l, coach, "coach-1", "client-1")
	registerCoach(t, l, watcher, "coach-2", config.WildcardSubject)

	l.handleInbound(device, []byte(`{"type":"health_update","clientId":"client-1","metrics":{"heartRate":125}}`))

	assert.Equal(t, []string{broadcast.TypeHealthUpdate, broadcast.TypeHealthAlert}, coach.types(t))
	assert.Equal(t, []string{broadcast.TypeHealthAlert}, watcher.types(t))

	var env broadcast.AlertEnvelope
	require.NoError(t, json.Unmarshal(coach.pushed[1], &env))
	assert.Equal(t, "client-1", env.ClientID)
	require.Len(t, env.Alerts, 1)
	assert.Equal(t, "critical", string(env.Alerts[0].Severity))
	assert.Equal(t, 125.0, env.Alerts[0].Value)
}

func TestHealthyUpdateNoAlert(t *testing.T) {
	l, _ := newTestLoop(nil)
	coach := &fakeSink{id: "coach"}
	registerCoach(t, l, coach, "coach-1", "client-1")

	l.handleInbound(&fakeSink{id: "device"}, []byte(`{"type":"health_update","clientId":"client-1","metrics":{"heartRate":72,"steps":8000}}`))

	assert.Equal(t, []string{broadcast.TypeHealthUpdate}, coach.types(t))
}

// TestAnomalyFailureIsolation verifies a broken detector never blocks or
// suppresses threshold alerts.
func TestAnomalyFailureIsolation(t *testing.T) {
	detector := anomaly.DetectorFunc(func(ctx context.Context, current, previous vitals.Snapshot) ([]anomaly.Finding, error) {
		return nil, errors.New("model backend down")
	})
	l, _ := newTestLoop(detector)
	coach := &fakeSink{id: "coach"}
	registerCoach(t, l, coach, "coach-1", "client-1")

	l.handleInbound(&fakeSink{id: "device"}, []byte(`{"type":"health_update","clientId":"client-1","metrics":{"heartRate":125}}`))

	assert.Equal(t, []string{broadcast.TypeHealthUpdate, broadcast.TypeHealthAlert}, coach.types(t))

	// No model event should ever arrive
	select {
	case ev := <-l.events:
		t.Fatalf("unexpected event from failed detector: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestModelFindingsFollowUp verifies detector findings re-enter the loop
// and go out as a separate alert envelope.
func TestModelFindingsFollowUp(t *testing.T) {
	detector := anomaly.DetectorFunc(func(ctx context.Context, current, previous vitals.Snapshot) ([]anomaly.Finding, error) {
		return []anomaly.Finding{{Severity: "high", Metric: "heartRate", Description: "sustained elevation", Confidence: 0.9}}, nil
	})
	l, _ := newTestLoop(detector)
	coach := &fakeSink{id: "coach"}
	registerCoach(t, l, coach, "coach-1", "client-1")

	l.handleInbound(&fakeSink{id: "device"}, []byte(`{"type":"health_update","clientId":"client-1","metrics":{"heartRate":72}}`))

	select {
	case ev := <-l.events:
		l.handle(ev)
	case <-time.After(time.Second):
		t.Fatal("no model event arrived")
	}

	types := coach.types(t)
	require.Len(t, types, 2)
	assert.Equal(t, broadcast.TypeHealthUpdate, types[0])
	assert.Equal(t, broadcast.TypeHealthAlert, types[1])

	var env broadcast.AlertEnvelope
	require.NoError(t, json.Unmarshal(coach.pushed[1], &env))
	require.Len(t, env.Alerts, 1)
	assert.Equal(t, "model-derived", string(env.Alerts[0].Category))
	assert.Equal(t, "critical", string(env.Alerts[0].Severity))
}

func TestClosedConnectionUnregisters(t *testing.T) {
	l, reg := newTestLoop(nil)
	sink := &fakeSink{id: "conn-1"}
	l.handleInbound(sink, []byte(`{"type":"register_coach","coachId":"coach-1"}`))

	l.handle(evClosed{from: sink})

	assert.True(t, sink.closed)
	assert.Equal(t, 0, reg.ObserverCount())
}

// TestSweepEmitsConnectivityAlerts verifies the staleness pass synthesizes
// a connectivity alert for silent subjects and repeats it while configured
// to do so.
func TestSweepEmitsConnectivityAlerts(t *testing.T) {
	l, reg := newTestLoop(nil)
	coach := &fakeSink{id: "coach"}
	registerCoach(t, l, coach, "coach-1", "client-1")

	t0 := time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC)
	reg.Record("client-1", vitals.New(map[string]any{vitals.MetricHeartRate: 70.0}, t0))
	l.now = func() time.Time { return t0.Add(90 * time.Minute) }

	l.handle(evSweep{})
	l.handle(evSweep{})

	types := coach.types(t)
	require.Len(t, types, 2, "repeat mode alerts on every sweep")
	assert.Equal(t, broadcast.TypeHealthAlert, types[0])

	var env broadcast.AlertEnvelope
	require.NoError(t, json.Unmarshal(coach.pushed[0], &env))
	require.Len(t, env.Alerts, 1)
	assert.Equal(t, "connectivity", string(env.Alerts[0].Category))
	assert.Equal(t, "warning", string(env.Alerts[0].Severity))
}

// TestSweepEvictsExpiredSubjects verifies subjects idle past the TTL are
// dropped from tracking.
func TestSweepEvictsExpiredSubjects(t *testing.T) {
	l, reg := newTestLoop(nil)

	t0 := time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC)
	reg.Record("client-1", vitals.New(map[string]any{vitals.MetricHeartRate: 70.0}, t0))

	// TTL is 3x the 1h staleness threshold
	l.now = func() time.Time { return t0.Add(4 * time.Hour) }
	l.handle(evSweep{})

	assert.Equal(t, 0, reg.SubjectCount())
}

func TestHeartbeatEvent(t *testing.T) {
	l, _ := newTestLoop(nil)
	coach := &fakeSink{id: "coach"}
	registerCoach(t, l, coach, "coach-1")

	l.handle(evHeartbeat{})

	assert.Equal(t, []string{broadcast.TypeHeartbeat}, coach.types(t))
}
