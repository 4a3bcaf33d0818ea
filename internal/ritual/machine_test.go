package ritual

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "Oracle-Delphi/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFullRitualCycle(t *testing.T) {
	m := NewMachine("s1")
	require.Equal(t, StateIdle, m.State())
	require.True(t, m.AcceptingInput())

	for _, next := range []State{StateInvoked, StateContemplating, StateRevealing, StateComplete} {
		_, err := m.Transition(next, nil)
		require.NoError(t, err, "transition to %s", next)
	}

	info := m.Info()
	assert.Equal(t, StateComplete, info.CurrentState)
	assert.Equal(t, "s1", info.SessionID)
	assert.True(t, info.AcceptingInput)
	assert.Equal(t, 4, info.HistoryLength)

	_, err := m.Transition(StateInvoked, nil)
	require.NoError(t, err, "COMPLETE -> INVOKED must be allowed")
}

func TestInvalidTransitionKeepsState(t *testing.T) {
	m := NewMachine("s1")

	_, err := m.Transition(StateRevealing, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, CodeInvalidTransition, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "Invalid: IDLE → REVEALING")
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.History())
}

func TestTransitionTable(t *testing.T) {
	allowed := map[State][]State{
		StateIdle:          {StateInvoked},
		StateInvoked:       {StateContemplating},
		StateContemplating: {StateRevealing},
		StateRevealing:     {StateComplete},
		StateComplete:      {StateIdle, StateInvoked},
	}
	for _, from := range States() {
		for _, to := range States() {
			want := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, State("BOGUS").Valid())
}

func TestForceResetFromAnyState(t *testing.T) {
	m := NewMachine("s1")
	_, _ = m.Transition(StateInvoked, nil)
	_, _ = m.Transition(StateContemplating, nil)
	require.False(t, m.AcceptingInput())

	event := m.ForceReset()
	assert.Equal(t, StateIdle, event.State)
	assert.Equal(t, map[string]any{"forced": true}, event.Payload)
	assert.Equal(t, StateIdle, m.State())
	assert.Len(t, m.History(), 3)
}

func TestListenersNotifiedAndIsolated(t *testing.T) {
	var seen []State
	m := NewMachine("s1")
	m.AddListener(func(Event) { panic("boom") })
	m.AddListener(func(e Event) { seen = append(seen, e.State) })

	_, err := m.Transition(StateInvoked, map[string]any{"k": "v"})
	require.NoError(t, err)
	m.ForceReset()

	assert.Equal(t, []State{StateInvoked, StateIdle}, seen)
}

func TestListenerMayReadMachine(t *testing.T) {
	m := NewMachine("s1")
	var info StateInfo
	m.AddListener(func(Event) { info = m.Info() })

	_, err := m.Transition(StateInvoked, nil)
	require.NoError(t, err)
	assert.Equal(t, StateInvoked, info.CurrentState)
}

func TestContemplationDelayBounds(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999999} {
		m := NewMachine("s1", WithRandom(func() float64 { return r }))
		d := m.ContemplationDelay()
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 4*time.Second)
	}

	m := NewMachine("s1", WithRandom(func() float64 { return 0.5 }))
	assert.Equal(t, 2750*time.Millisecond, m.ContemplationDelay())
}

func TestTimingNormalization(t *testing.T) {
	m := NewMachine("s1", WithTiming(Timing{ContemplationMin: 2 * time.Second, ContemplationMax: time.Second}),
		WithRandom(func() float64 { return 0.9 }))
	assert.Equal(t, 2*time.Second, m.ContemplationDelay())
}

func TestHistoryLimit(t *testing.T) {
	m := NewMachine("s1", WithHistoryLimit(3))
	for i := 0; i < 5; i++ {
		m.ForceReset()
	}
	assert.Len(t, m.History(), 3)
	assert.Equal(t, 3, m.Info().HistoryLength)

	unbounded := NewMachine("s2", WithHistoryLimit(0))
	for i := 0; i < 300; i++ {
		unbounded.ForceReset()
	}
	assert.Len(t, unbounded.History(), 300)
}

func TestEventJSON(t *testing.T) {
	ts := time.Unix(1700000000, 500_000_000)
	raw, err := json.Marshal(Event{State: StateRevealing, SessionID: "s1", Timestamp: ts, Payload: map[string]any{"response": "the owl"}})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "REVEALING", decoded["state"])
	assert.Equal(t, "s1", decoded["session_id"])
	assert.InDelta(t, 1700000000.5, decoded["timestamp"], 1e-6)
	assert.Equal(t, map[string]any{"response": "the owl"}, decoded["payload"])

	raw, err = json.Marshal(Event{State: StateIdle, SessionID: "s1", Timestamp: ts})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"payload":null`)
}

func TestRegistrySettlesCompletedSessions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	reg := NewRegistry(WithClock(clock.Now))

	m := reg.Get("s1")
	require.Same(t, m, reg.Get("s1"))
	for _, next := range []State{StateInvoked, StateContemplating, StateRevealing, StateComplete} {
		_, err := m.Transition(next, nil)
		require.NoError(t, err)
	}
	reg.Get("s2")

	assert.Equal(t, 0, reg.SettleIdleAt(clock.Now().Add(time.Second)))
	assert.Equal(t, StateComplete, m.State())

	assert.Equal(t, 1, reg.SettleIdleAt(clock.Now().Add(2*time.Second)))
	assert.Equal(t, StateIdle, m.State())
	last := m.History()[len(m.History())-1]
	assert.Equal(t, map[string]any{"settled": true}, last.Payload)
}

func TestStartSettlerRunsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := NewRegistry(WithTiming(Timing{CompleteToIdle: 10 * time.Millisecond}))
	m := reg.Get("s1")
	for _, next := range []State{StateInvoked, StateContemplating, StateRevealing, StateComplete} {
		_, err := m.Transition(next, nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg.StartSettler(ctx, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)
	cancel()
}

func TestRegistryClear(t *testing.T) {
	reg := NewRegistry()
	reg.Get("b")
	reg.Get("a")
	assert.Equal(t, []string{"a", "b"}, reg.Sessions())
	assert.Equal(t, 2, reg.Len())

	assert.True(t, reg.Clear("a"))
	assert.False(t, reg.Clear("a"))
	_, ok := reg.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryConcurrentGet(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	machines := make([]*Machine, 32)
	for i := range machines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			machines[i] = reg.Get("shared")
		}(i)
	}
	wg.Wait()
	for _, m := range machines {
		assert.Same(t, machines[0], m)
	}
}
