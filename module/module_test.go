package module

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingModule struct {
	setUps atomic.Int32
	loops  atomic.Int32
	work   bool
}

func (m *countingModule) Name() string { return "counting" }
func (m *countingModule) SetUp() error { m.setUps.Add(1); return nil }
func (m *countingModule) Loop() bool   { m.loops.Add(1); return m.work }

func TestRunner_StartLoopStop(t *testing.T) {
	m := &countingModule{work: true}
	r := NewRunner(m, 0)

	require.NoError(t, r.Start())
	assert.True(t, r.Running())
	assert.ErrorIs(t, r.Start(), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return m.loops.Load() > 10 },
		time.Second, time.Millisecond)

	r.Stop()
	assert.False(t, r.Running())
	assert.Equal(t, int32(1), m.setUps.Load())
}

func TestRunner_TickInterval(t *testing.T) {
	m := &countingModule{}
	r := NewRunner(m, 5*time.Millisecond)

	require.NoError(t, r.Start())
	require.Eventually(t, func() bool { return m.loops.Load() >= 2 },
		time.Second, time.Millisecond)
	r.Stop()
}

func TestRunner_StartOnce(t *testing.T) {
	m := &countingModule{}
	r := NewRunner(m, time.Hour)

	assert.True(t, r.StartOnce())
	require.Eventually(t, func() bool { return m.loops.Load() == 1 },
		time.Second, time.Millisecond)

	// A second one-shot run is allowed once the first finished.
	require.Eventually(t, func() bool { return r.StartOnce() },
		time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return m.loops.Load() == 2 },
		time.Second, time.Millisecond)

	// Setup ran exactly once across both runs.
	assert.Equal(t, int32(1), m.setUps.Load())
	r.Stop()
}

func TestRunner_StartOnceRefusedWhileLooping(t *testing.T) {
	m := &countingModule{work: true}
	r := NewRunner(m, 0)
	require.NoError(t, r.Start())
	assert.False(t, r.StartOnce())
	r.Stop()
}

func TestWeightedPoller_AlternatesByWeight(t *testing.T) {
	p := NewWeightedPoller()

	var order []string
	a := 0
	p.Add(2, func() bool {
		if a < 4 {
			a++
			order = append(order, "a")
			return true
		}
		return false
	})
	b := 0
	p.Add(1, func() bool {
		if b < 2 {
			b++
			order = append(order, "b")
			return true
		}
		return false
	})

	for p.Poll() {
	}

	// Two polls of a for every poll of b.
	assert.Equal(t, []string{"a", "a", "b", "a", "a", "b"}, order)
}

func TestWeightedPoller_SkipsIdleSources(t *testing.T) {
	p := NewWeightedPoller()
	p.Add(3, func() bool { return false })
	hits := 0
	p.Add(1, func() bool {
		if hits < 1 {
			hits++
			return true
		}
		return false
	})

	assert.True(t, p.Poll())
	assert.False(t, p.Poll())
	assert.Equal(t, 1, hits)
}

func TestWeightedPoller_EmptyPollsNothing(t *testing.T) {
	p := NewWeightedPoller()
	assert.False(t, p.Poll())
}
