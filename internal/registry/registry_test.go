package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthfolio/pulse/internal/config"
	"github.com/healthfolio/pulse/internal/vitals"
)

// fakeSink is an in-memory transport handle for registry tests.
type fakeSink struct {
	id     string
	closed bool
	pushed [][]byte
}

func (f *fakeSink) ID() string { return f.id }
func (f *fakeSink) Open() bool { return !f.closed }
func (f *fakeSink) Close()     { f.closed = true }
func (f *fakeSink) Push(p []byte) bool {
	if f.closed {
		return false
	}
	f.pushed = append(f.pushed, p)
	return true
}

func snapAt(at time.Time) vitals.Snapshot {
	return vitals.New(map[string]any{vitals.MetricHeartRate: 70.0}, at)
}

// TestRegisterReplacesHandle verifies re-registering a coach id with a new
// connection hands back the old handle and drops its subscriptions.
func TestRegisterReplacesHandle(t *testing.T) {
	r := New(0)
	old := &fakeSink{id: "conn-1"}
	replaced := r.Register("coach-1", old)
	assert.Nil(t, replaced)
	require.NoError(t, r.Subscribe("coach-1", "client-1"))

	fresh := &fakeSink{id: "conn-2"}
	replaced = r.Register("coach-1", fresh)
	assert.Same(t, old, replaced)
	assert.Equal(t, 1, r.ObserverCount())

	// Old handle is no longer addressable
	_, ok := r.ObserverBySink(old)
	assert.False(t, ok)

	// New registration starts with an empty subscription set
	obs, ok := r.ObserverBySink(fresh)
	require.True(t, ok)
	assert.False(t, obs.Subscribed("client-1"))
}

func TestRegisterSameHandleResetsSubscriptions(t *testing.T) {
	r := New(0)
	sink := &fakeSink{id: "conn-1"}
	r.Register("coach-1", sink)
	require.NoError(t, r.Subscribe("coach-1", "client-1"))

	replaced := r.Register("coach-1", sink)
	assert.Nil(t, replaced)

	obs, ok := r.ObserverBySink(sink)
	require.True(t, ok)
	assert.False(t, obs.Subscribed("client-1"))
}

// TestReRegisterUnderNewID verifies a connection switching coach ids keeps
// exactly one registry entry, so disconnect teardown leaves nothing behind.
func TestReRegisterUnderNewID(t *testing.T) {
	r := New(0)
	sink := &fakeSink{id: "conn-1"}

	assert.Nil(t, r.Register("coach-1", sink))
	require.NoError(t, r.Subscribe("coach-1", "client-1"))
	assert.Nil(t, r.Register("coach-2", sink))

	assert.Equal(t, 1, r.ObserverCount())
	obs, ok := r.ObserverBySink(sink)
	require.True(t, ok)
	assert.Equal(t, "coach-2", obs.ID)
	assert.Empty(t, r.ObserversFor("client-1"), "old id's subscriptions must not survive")

	observerID, ok := r.Unregister(sink)
	require.True(t, ok)
	assert.Equal(t, "coach-2", observerID)
	assert.Equal(t, 0, r.ObserverCount(), "no entry may outlive the connection")
}

func TestSubscribeUnknownObserver(t *testing.T) {
	r := New(0)
	err := r.Subscribe("nobody", "client-1")
	assert.ErrorIs(t, err, ErrUnknownObserver)
}

func TestUnregisterUnknownSinkIsSilent(t *testing.T) {
	r := New(0)
	_, ok := r.Unregister(&fakeSink{id: "ghost"})
	assert.False(t, ok)
}

// TestWildcardSubscription verifies the wildcard token routes alerts for
// any subject but never counts as an exact subscription.
func TestWildcardSubscription(t *testing.T) {
	r := New(0)
	sink := &fakeSink{id: "conn-1"}
	r.Register("coach-1", sink)
	require.NoError(t, r.Subscribe("coach-1", config.WildcardSubject))

	assert.Len(t, r.ObserversFor("client-anything"), 1)
	assert.Empty(t, r.ExactSubscribers("client-anything"))
}

func TestExactSubscription(t *testing.T) {
	r := New(0)
	sink := &fakeSink{id: "conn-1"}
	r.Register("coach-1", sink)
	require.NoError(t, r.Subscribe("coach-1", "client-1"))

	assert.Len(t, r.ObserversFor("client-1"), 1)
	assert.Len(t, r.ExactSubscribers("client-1"), 1)
	assert.Empty(t, r.ObserversFor("client-2"))
}

// TestRecordReturnsDisplacedSnapshot verifies two-point history: the second
// ingestion hands back the first snapshot.
func TestRecordReturnsDisplacedSnapshot(t *testing.T) {
	r := New(0)
	t0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	_, had := r.Record("client-1", snapAt(t0))
	assert.False(t, had)

	second := vitals.New(map[string]any{vitals.MetricHeartRate: 80.0}, t0.Add(time.Minute))
	previous, had := r.Record("client-1", second)
	require.True(t, had)
	hr, ok := previous.Number(vitals.MetricHeartRate)
	require.True(t, ok)
	assert.Equal(t, 70.0, hr)

	sub, ok := r.Subject("client-1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), sub.LastSeen)
}

// TestCapacityEviction verifies the least recently updated subject is
// dropped when the capacity bound is exceeded.
func TestCapacityEviction(t *testing.T) {
	r := New(2)
	t0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	r.Record("client-1", snapAt(t0))
	r.Record("client-2", snapAt(t0.Add(time.Second)))

	// Touch client-1 so client-2 becomes the oldest
	r.Record("client-1", snapAt(t0.Add(2*time.Second)))

	r.Record("client-3", snapAt(t0.Add(3*time.Second)))

	assert.Equal(t, 2, r.SubjectCount())
	_, ok := r.Subject("client-2")
	assert.False(t, ok, "least recently updated subject should be evicted")
	_, ok = r.Subject("client-1")
	assert.True(t, ok)
}

func TestStaleRepeat(t *testing.T) {
	r := New(0)
	t0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	r.Record("client-1", snapAt(t0))

	now := t0.Add(2 * time.Hour)

	// repeat=true fires on every sweep
	assert.Len(t, r.Stale(now, time.Hour, true), 1)
	assert.Len(t, r.Stale(now, time.Hour, true), 1)
}

func TestStaleOncePerEpisode(t *testing.T) {
	r := New(0)
	t0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	r.Record("client-1", snapAt(t0))

	now := t0.Add(2 * time.Hour)

	assert.Len(t, r.Stale(now, time.Hour, false), 1)
	assert.Empty(t, r.Stale(now, time.Hour, false), "already alerted for this episode")

	// Fresh data resets the episode
	r.Record("client-1", snapAt(now))
	later := now.Add(2 * time.Hour)
	assert.Len(t, r.Stale(later, time.Hour, false), 1)
}

func TestStaleFreshSubjectSkipped(t *testing.T) {
	r := New(0)
	t0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	r.Record("client-1", snapAt(t0))

	assert.Empty(t, r.Stale(t0.Add(30*time.Minute), time.Hour, true))
}

func TestEvictExpired(t *testing.T) {
	r := New(0)
	t0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	r.Record("client-old", snapAt(t0))
	r.Record("client-fresh", snapAt(t0.Add(3*time.Hour)))

	evicted := r.EvictExpired(t0.Add(4*time.Hour), 3*time.Hour)
	assert.Equal(t, []string{"client-old"}, evicted)
	assert.Equal(t, 1, r.SubjectCount())

	// Zero TTL disables eviction
	assert.Nil(t, r.EvictExpired(t0.Add(100*time.Hour), 0))
}

func TestCloseTearsDownEverything(t *testing.T) {
	r := New(0)
	a := &fakeSink{id: "conn-a"}
	b := &fakeSink{id: "conn-b"}
	r.Register("coach-a", a)
	r.Register("coach-b", b)
	r.Record("client-1", snapAt(time.Now()))

	r.Close()

	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, 0, r.ObserverCount())
	assert.Equal(t, 0, r.SubjectCount())
}
