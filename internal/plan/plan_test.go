package plan_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosfor/pubs/internal/plan"
)

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func ptr[T any](v T) *T { return &v }

func TestUnbounded_NeverCompletes(t *testing.T) {
	p := plan.Unbounded()
	for i := 0; i < 100; i++ {
		p.OnMessageDelivered()
	}
	assert.False(t, p.IsComplete())
	assert.True(t, p.Unbounded())
	assert.False(t, p.HasDeadline())
	_, bounded := p.Remaining()
	assert.False(t, bounded)
	assert.Equal(t, 30*time.Second, p.ComputeWindow(30*time.Second))
}

func TestCount_CompletesAtZeroAndMayGoNegative(t *testing.T) {
	p := plan.WithCount(2)

	p.OnMessageDelivered()
	assert.False(t, p.IsComplete())

	p.OnMessageDelivered()
	assert.True(t, p.IsComplete())

	// A batch already fetched keeps draining past the budget.
	p.OnMessageDelivered()
	n, ok := p.Remaining()
	require.True(t, ok)
	assert.Equal(t, -1, n)
	assert.True(t, p.IsComplete())
}

func TestCount_ZeroIsCompleteImmediately(t *testing.T) {
	assert.True(t, plan.WithCount(0).IsComplete())
}

func TestDeadline_WindowShrinksThenZero(t *testing.T) {
	clk := newClock()
	p := plan.NewWithClock(nil, ptr(10*time.Second), clk.Now)

	assert.Equal(t, 5*time.Second, p.ComputeWindow(5*time.Second), "default is smaller than time left")
	assert.Equal(t, 10*time.Second, p.ComputeWindow(30*time.Second), "time left is smaller than default")

	clk.Advance(7 * time.Second)
	assert.Equal(t, 3*time.Second, p.ComputeWindow(30*time.Second))
	assert.False(t, p.DeadlineReached())
	assert.False(t, p.IsComplete())

	clk.Advance(3 * time.Second)
	assert.True(t, p.DeadlineReached())
	assert.True(t, p.IsComplete())
	assert.Zero(t, p.ComputeWindow(30*time.Second), "a passed deadline yields a zero window")
}

func TestCountAndDeadline_EitherCompletes(t *testing.T) {
	clk := newClock()
	p := plan.NewWithClock(ptr(5), ptr(time.Minute), clk.Now)
	assert.False(t, p.IsComplete())

	clk.Advance(time.Minute)
	assert.True(t, p.IsComplete(), "deadline alone completes the plan")

	q := plan.NewWithClock(ptr(1), ptr(time.Minute), clk.Now)
	q.OnMessageDelivered()
	assert.True(t, q.IsComplete(), "count alone completes the plan")
}

func TestNew_CopiesMax(t *testing.T) {
	max := 3
	p := plan.New(&max, nil)
	max = 0
	n, _ := p.Remaining()
	assert.Equal(t, 3, n)
}
