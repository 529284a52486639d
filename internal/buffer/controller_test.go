package buffer

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	c := newController(t, Config{Capacity: 1000})
	require.Equal(t, int64(500), c.Config().HighWater)
	require.Equal(t, int64(100), c.Config().LowWater)

	c = newController(t, Config{Capacity: 1})
	require.Equal(t, int64(1), c.Config().HighWater)
	require.Equal(t, int64(0), c.Config().LowWater)

	for _, cfg := range []Config{
		{Capacity: 0},
		{Capacity: -5},
		{Capacity: 100, LowWater: 60, HighWater: 50},
		{Capacity: 100, LowWater: 10, HighWater: 200},
		{Capacity: 100, LowWater: -1, HighWater: 50},
		{Capacity: 100, MaxDuration: -time.Second},
	} {
		_, err := New(cfg)
		require.ErrorIs(t, err, ErrInvalidConfig, "%+v", cfg)
	}
}

func TestAdmitNeverExceedsCapacity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 200; round++ {
		capacity := int64(rng.Intn(64) + 1)
		c := newController(t, Config{Capacity: capacity})

		var held []int64
		for step := 0; step < 200; step++ {
			if rng.Intn(2) == 0 || len(held) == 0 {
				n := int64(rng.Intn(int(capacity)) + 1)
				before := c.Level()
				err := c.Admit(n, 0)
				if before+n > capacity {
					require.ErrorIs(t, err, ErrFull)
				} else {
					require.NoError(t, err)
					held = append(held, n)
				}
			} else {
				i := rng.Intn(len(held))
				c.Consume(held[i], 0)
				held = append(held[:i], held[i+1:]...)
			}
			require.LessOrEqual(t, c.Level(), capacity)
		}
		require.LessOrEqual(t, c.Snapshot().Peak, capacity)
	}
}

func TestConcurrentWaitAdmitNeverExceedsCapacity(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		capacity := int64(rng.Intn(32) + 1)
		c := newController(t, Config{Capacity: capacity})

		units := make([]int64, 300)
		for i := range units {
			units[i] = int64(rng.Intn(int(capacity)) + 1)
		}

		admitted := make(chan int64, len(units))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			defer close(admitted)
			for _, n := range units {
				if err := c.WaitAdmit(context.Background(), n, 0); err != nil {
					return
				}
				admitted <- n
			}
		}()
		go func() {
			defer wg.Done()
			for n := range admitted {
				c.Consume(n, 0)
			}
		}()
		wg.Wait()

		s := c.Snapshot()
		require.LessOrEqual(t, s.Peak, capacity)
		require.Zero(t, s.Bytes)
	}
}

func TestCapacityOfOneUnit(t *testing.T) {
	c := newController(t, Config{Capacity: 1})

	admitted := make(chan int, 3)
	go func() {
		for i := 0; i < 3; i++ {
			if err := c.WaitAdmit(context.Background(), 1, 0); err != nil {
				return
			}
			admitted <- i
		}
	}()

	<-admitted
	require.Equal(t, int64(1), c.Level())
	select {
	case <-admitted:
		t.Fatal("second unit admitted before consume")
	case <-time.After(50 * time.Millisecond):
	}
	require.True(t, c.ShouldPause())

	c.Consume(1, 0)
	<-admitted
	require.Equal(t, int64(1), c.Level())
	select {
	case <-admitted:
		t.Fatal("third unit admitted before consume")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, int64(1), c.Snapshot().Peak)
}

func TestUnitLargerThanCapacity(t *testing.T) {
	c := newController(t, Config{Capacity: 10})
	require.ErrorIs(t, c.Admit(11, 0), ErrExceedsCapacity)
	require.ErrorIs(t, c.WaitAdmit(context.Background(), 11, 0), ErrExceedsCapacity)
	require.Error(t, c.Admit(-1, 0))
}

func TestWaitAdmitCancellation(t *testing.T) {
	c := newController(t, Config{Capacity: 4})
	require.NoError(t, c.Admit(4, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.WaitAdmit(ctx, 2, 0) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, int64(4), c.Level())
}

func TestStarvationHysteresis(t *testing.T) {
	c := newController(t, Config{Capacity: 100, LowWater: 20, HighWater: 60})
	require.True(t, c.IsStarved(), "empty buffer starts starved")

	transitions := 0
	last := c.IsStarved()
	step := func(delta int64) {
		if delta > 0 {
			require.NoError(t, c.Admit(delta, 0))
		} else {
			c.Consume(-delta, 0)
		}
		if s := c.IsStarved(); s != last {
			transitions++
			last = s
		}
	}

	step(59)
	require.True(t, c.IsStarved())
	step(1)
	require.False(t, c.IsStarved())

	// oscillate between the marks: no flapping
	for i := 0; i < 10; i++ {
		step(-30)
		step(30)
	}
	require.False(t, c.IsStarved())

	c.Consume(c.Level()-19, 0)
	require.True(t, c.IsStarved())
	transitions++
	last = true

	for i := 0; i < 10; i++ {
		step(30)
		step(-30)
	}
	require.True(t, c.IsStarved())

	step(41)
	require.False(t, c.IsStarved())
	require.Equal(t, 3, transitions)
}

func TestStarvationClearsWhenFull(t *testing.T) {
	c := newController(t, Config{Capacity: 100, LowWater: 10, HighWater: 90, MaxDuration: time.Second})
	require.NoError(t, c.Admit(5, time.Second))
	require.True(t, c.ShouldPause())
	require.False(t, c.IsStarved())
}

func TestDurationCeilingPausesIngestion(t *testing.T) {
	c := newController(t, Config{Capacity: 1000, MaxDuration: 2 * time.Second})
	require.NoError(t, c.Admit(10, time.Second))
	require.False(t, c.ShouldPause())
	require.NoError(t, c.Admit(10, time.Second))
	require.True(t, c.ShouldPause())

	resumed := make(chan error, 1)
	go func() { resumed <- c.WaitResume(context.Background()) }()

	select {
	case <-resumed:
		t.Fatal("resumed while paused")
	case <-time.After(20 * time.Millisecond):
	}
	c.Consume(10, time.Second)
	require.NoError(t, <-resumed)
}

func TestFinishSuppressesStarvation(t *testing.T) {
	c := newController(t, Config{Capacity: 100})
	require.NoError(t, c.Admit(80, 0))
	c.Finish()
	c.Consume(80, 0)
	require.False(t, c.IsStarved())
	require.True(t, c.Snapshot().Finished)
}

func TestChangedIsSignalled(t *testing.T) {
	c := newController(t, Config{Capacity: 100})
	ch := c.Changed()
	require.NoError(t, c.Admit(1, 0))
	select {
	case <-ch:
	default:
		t.Fatal("expected change notification")
	}
}
