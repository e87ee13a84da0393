package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/healthfolio/pulse/internal/alert"
	"github.com/healthfolio/pulse/internal/anomaly"
	"github.com/healthfolio/pulse/internal/broadcast"
	"github.com/healthfolio/pulse/internal/config"
	"github.com/healthfolio/pulse/internal/monitor"
	"github.com/healthfolio/pulse/internal/registry"
	"github.com/healthfolio/pulse/internal/rules"
	"github.com/healthfolio/pulse/internal/telemetry"
	"github.com/healthfolio/pulse/internal/vitals"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboards connect cross-origin; CORS policy is enforced at
	// the router and the gateway carries no credentials of its own.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

type event any

type evInbound struct {
	from registry.Sink
	raw  []byte
}

type evClosed struct {
	from registry.Sink
}

type evSweep struct{}

type evHeartbeat struct{}

// evModelAlerts carries anomaly findings back into the loop once the
// collaborator call completes.
type evModelAlerts struct {
	subjectID string
	alerts    []alert.Alert
}

// --------------------------------------------------------------------------
// Loop
// --------------------------------------------------------------------------

// Loop is the single-goroutine dispatcher: every transport event, timer
// tick, and late anomaly result is handled sequentially, so the registry
// and broadcaster it owns are never accessed concurrently.
type Loop struct {
	reg      *registry.Registry
	bc       *broadcast.Broadcaster
	detector anomaly.Detector // nil disables model-derived alerts
	th       rules.Thresholds
	cfg      *config.Config
	logger   *slog.Logger

	events chan event
	done   chan struct{}
	ctx    context.Context
	now    func() time.Time
}

// New wires the dispatch loop. detector may be nil.
func New(reg *registry.Registry, bc *broadcast.Broadcaster, detector anomaly.Detector, th rules.Thresholds, cfg *config.Config, logger *slog.Logger) *Loop {
	return &Loop{
		reg:      reg,
		bc:       bc,
		detector: detector,
		th:       th,
		cfg:      cfg,
		logger:   logger,
		events:   make(chan event, 1024),
		done:     make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run processes events until ctx is cancelled, then tears down every
// connection deterministically. Intended to be called with `go`.
func (l *Loop) Run(ctx context.Context) {
	l.ctx = ctx
	defer close(l.done)

	for {
		select {
		case ev := <-l.events:
			l.handle(ev)
		case <-ctx.Done():
			l.logger.Info("Dispatch loop stopping", "observers", l.reg.ObserverCount(), "subjects", l.reg.SubjectCount())
			l.reg.Close()
			telemetry.ConnectedObservers.Set(0)
			telemetry.TrackedSubjects.Set(0)
			return
		}
	}
}

// Done is closed after the loop has shut down.
func (l *Loop) Done() <-chan struct{} { return l.done }

// post delivers an event to the loop. Blocks when the buffer is full to
// preserve per-connection ordering; the loop itself never blocks.
func (l *Loop) post(ev event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

// tryPost is for timer ticks: dropping a tick under backlog is harmless,
// the next one fires shortly.
func (l *Loop) tryPost(ev event) {
	select {
	case l.events <- ev:
	default:
	}
}

// Sweep and Heartbeat let the staleness monitor drive periodic work onto
// the loop goroutine.
func (l *Loop) Sweep()     { l.tryPost(evSweep{}) }
func (l *Loop) Heartbeat() { l.tryPost(evHeartbeat{}) }

// --------------------------------------------------------------------------
// Transport attachment
// --------------------------------------------------------------------------

// HandleWS upgrades an HTTP request and attaches the connection.
func (l *Loop) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	l.Attach(conn)
}

// Attach starts the pumps for an accepted connection and sends the
// connected greeting.
func (l *Loop) Attach(conn *websocket.Conn) *Session {
	var limiter *rate.Limiter
	if l.cfg.MessageRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(l.cfg.MessageRateLimit), l.cfg.MessageRateBurst)
	}
	sess := newSession(conn, l, limiter, l.cfg.SendBuffer, l.logger)

	go sess.writePump()
	go sess.readPump()

	sess.Push(encode(ConnectedMsg{
		Type:      TypeConnected,
		Message:   "Connected to health gateway",
		Timestamp: l.now(),
	}))

	l.logger.Info("Connection accepted", "session_id", sess.ID(), "remote", conn.RemoteAddr().String())
	return sess
}

// --------------------------------------------------------------------------
// Event handling
// --------------------------------------------------------------------------

func (l *Loop) handle(ev event) {
	switch e := ev.(type) {
	case evInbound:
		l.handleInbound(e.from, e.raw)
	case evClosed:
		l.handleClosed(e.from)
	case evSweep:
		l.handleSweep()
	case evHeartbeat:
		l.bc.Heartbeat()
	case evModelAlerts:
		// Late findings for a disconnected subject's observers are handled
		// by the broadcaster's skip-closed rule.
		l.bc.Alerts(e.subjectID, e.alerts)
	}
}

func (l *Loop) handleInbound(from registry.Sink, raw []byte) {
	var msg Inbound
	// A payload without a type field is treated as malformed, not as an
	// unknown kind: the tag is part of the format itself.
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		telemetry.MessagesReceived.WithLabelValues("invalid").Inc()
		from.Push(encode(ErrorMsg{Type: TypeError, Message: "Invalid message format"}))
		return
	}

	switch msg.Type {
	case TypeRegisterCoach:
		telemetry.MessagesReceived.WithLabelValues(TypeRegisterCoach).Inc()
		l.registerCoach(from, msg.CoachID)

	case TypeSubscribeClient:
		telemetry.MessagesReceived.WithLabelValues(TypeSubscribeClient).Inc()
		l.subscribeClient(from, msg.ClientID)

	case TypeHealthUpdate:
		telemetry.MessagesReceived.WithLabelValues(TypeHealthUpdate).Inc()
		if msg.ClientID == "" || msg.Metrics == nil {
			from.Push(encode(ErrorMsg{Type: TypeError, Message: "Invalid message format"}))
			return
		}
		l.ingest(msg.ClientID, msg.Metrics)

	case TypePing:
		telemetry.MessagesReceived.WithLabelValues(TypePing).Inc()
		from.Push(encode(PongMsg{Type: TypePong, Timestamp: l.now()}))

	default:
		telemetry.MessagesReceived.WithLabelValues("unknown").Inc()
		from.Push(encode(ErrorMsg{
			Type:    TypeError,
			Message: fmt.Sprintf("Unknown message type: %s", msg.Type),
		}))
	}
}

func (l *Loop) registerCoach(from registry.Sink, coachID string) {
	if coachID == "" {
		from.Push(encode(ErrorMsg{Type: TypeError, Message: "Invalid message format"}))
		return
	}

	replaced := l.reg.Register(coachID, from)
	if replaced != nil {
		// Stale handle from a previous registration of the same coach.
		replaced.Close()
	}
	telemetry.ConnectedObservers.Set(float64(l.reg.ObserverCount()))

	from.Push(encode(CoachRegisteredMsg{
		Type:      TypeCoachRegistered,
		CoachID:   coachID,
		Timestamp: l.now(),
	}))
	l.logger.Info("Coach registered", "coach_id", coachID)
}

func (l *Loop) subscribeClient(from registry.Sink, subjectID string) {
	if subjectID == "" {
		from.Push(encode(ErrorMsg{Type: TypeError, Message: "Invalid message format"}))
		return
	}

	obs, ok := l.reg.ObserverBySink(from)
	if !ok {
		// Subscribe before register: logged and ignored, not fatal.
		l.logger.Warn("Subscribe from unregistered connection", "session_id", from.ID(), "client_id", subjectID)
		return
	}
	if err := l.reg.Subscribe(obs.ID, subjectID); err != nil {
		l.logger.Warn("Subscribe failed", "coach_id", obs.ID, "client_id", subjectID, "error", err)
		return
	}

	from.Push(encode(ClientSubscribedMsg{
		Type:      TypeClientSubscribed,
		ClientID:  subjectID,
		Timestamp: l.now(),
	}))
	l.logger.Info("Subscription added", "coach_id", obs.ID, "client_id", subjectID)
}

// ingest records the snapshot, evaluates thresholds, and broadcasts. The
// anomaly collaborator runs on its own goroutine with a timeout; threshold
// alerts are never delayed by it, and its findings re-enter the loop as a
// follow-up alert envelope.
func (l *Loop) ingest(subjectID string, metrics map[string]any) {
	snap := vitals.New(metrics, l.now())
	previous, _ := l.reg.Record(subjectID, snap)
	telemetry.TrackedSubjects.Set(float64(l.reg.SubjectCount()))

	alerts := rules.Evaluate(subjectID, snap, previous, l.th)

	l.bc.MetricUpdate(subjectID, snap)
	if len(alerts) > 0 {
		l.bc.Alerts(subjectID, alerts)
	}

	if l.detector != nil {
		ctx := l.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		go func() {
			findings := anomaly.Run(ctx, l.detector, snap, previous, l.cfg.AnomalyTimeout, l.logger)
			if len(findings) == 0 {
				return
			}
			l.post(evModelAlerts{
				subjectID: subjectID,
				alerts:    anomaly.ToAlerts(subjectID, findings, l.now()),
			})
		}()
	}
}

func (l *Loop) handleClosed(from registry.Sink) {
	from.Close()
	if observerID, ok := l.reg.Unregister(from); ok {
		telemetry.ConnectedObservers.Set(float64(l.reg.ObserverCount()))
		l.logger.Info("Coach disconnected", "coach_id", observerID)
	}
}

// handleSweep synthesizes connectivity alerts for silent subjects and
// applies the TTL eviction policy.
func (l *Loop) handleSweep() {
	now := l.now()

	stale := l.reg.Stale(now, l.cfg.StalenessThreshold, l.cfg.StalenessRepeat)
	for _, s := range stale {
		a := monitor.ConnectivityAlert(s.ID, s.LastSeen, s.Elapsed, now)
		l.bc.Alerts(s.ID, []alert.Alert{a})
	}

	evicted := l.reg.EvictExpired(now, l.cfg.SubjectTTL())
	if len(evicted) > 0 {
		telemetry.SubjectsEvicted.Add(float64(len(evicted)))
		telemetry.TrackedSubjects.Set(float64(l.reg.SubjectCount()))
		l.logger.Info("Evicted idle subjects", "count", len(evicted))
	}
}
