package coalesce

import (
	"sync"
	"testing"
	"time"
)

func TestSlot_RunsEachValueWhenIdle(t *testing.T) {
	done := make(chan int, 3)
	s := NewSlot(func(v int) { done <- v })

	for i := 1; i <= 3; i++ {
		s.Set(i)
		select {
		case got := <-done:
			if got != i {
				t.Fatalf("worker ran with %d, want %d", got, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("worker never ran for value %d", i)
		}
	}
}

func TestSlot_BurstCollapsesToNewest(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var ran []int
	s := NewSlot(func(v int) {
		mu.Lock()
		ran = append(ran, v)
		first := len(ran) == 1
		mu.Unlock()
		if first {
			<-block
		}
	})

	s.Set(1)
	// Wait for the worker to pick up the first value before bursting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		started := len(ran) == 1
		mu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never started")
		}
		time.Sleep(time.Millisecond)
	}

	// The burst lands while the worker is busy; only the newest survives.
	s.Set(2)
	s.Set(3)
	s.Set(4)
	close(block)

	deadline = time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(ran)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never drained the pending value")
		}
		time.Sleep(time.Millisecond)
	}

	// Give a stray extra run a moment to show up, then check.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 2 {
		t.Fatalf("worker ran %d times (%v), want 2", len(ran), ran)
	}
	if ran[0] != 1 || ran[1] != 4 {
		t.Errorf("worker ran %v, want [1 4]", ran)
	}
}

func TestSlot_NeverRunsConcurrently(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0
	s := NewSlot(func(int) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Set(i)
		}(i)
	}
	wg.Wait()

	// Drain fully.
	deadline := time.Now().Add(2 * time.Second)
	for s.Active() {
		if time.Now().After(deadline) {
			t.Fatal("slot never drained")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Errorf("max concurrent workers = %d, want 1", maxActive)
	}
}

func TestSlot_SetFromWorkerReschedules(t *testing.T) {
	done := make(chan int, 2)
	var s *Slot[int]
	s = NewSlot(func(v int) {
		done <- v
		if v == 1 {
			s.Set(2)
		}
	})

	s.Set(1)
	for _, want := range []int{1, 2} {
		select {
		case got := <-done:
			if got != want {
				t.Fatalf("worker ran with %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("worker never ran for value %d", want)
		}
	}
}

func TestDebouncer_BurstFiresOnceWithLastValue(t *testing.T) {
	fired := make(chan int, 8)
	d := NewDebouncer(50*time.Millisecond, func(v int) { fired <- v })
	defer d.Stop()

	for i := 1; i <= 5; i++ {
		d.Trigger(i)
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case got := <-fired:
		if got != 5 {
			t.Errorf("fired with %d, want 5", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("debouncer never fired")
	}

	select {
	case got := <-fired:
		t.Fatalf("debouncer fired a second time with %d", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDebouncer_RearmExtendsQuietPeriod(t *testing.T) {
	fired := make(chan int, 4)
	d := NewDebouncer(250*time.Millisecond, func(v int) { fired <- v })
	defer d.Stop()

	// Re-arming partway through a quiet period restarts it in full; the
	// first timer's expiry must not leak through early.
	d.Trigger(1)
	time.Sleep(100 * time.Millisecond)
	d.Trigger(2)

	select {
	case v := <-fired:
		t.Fatalf("fired %d before the re-armed quiet period elapsed", v)
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case v := <-fired:
		if v != 2 {
			t.Errorf("fired with %d, want 2", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("re-armed debouncer never fired")
	}
}

func TestDebouncer_NowBypassesQuietPeriod(t *testing.T) {
	fired := make(chan int, 8)
	d := NewDebouncer(time.Hour, func(v int) { fired <- v })
	defer d.Stop()

	d.Trigger(1)
	d.Now(2)

	select {
	case got := <-fired:
		if got != 2 {
			t.Errorf("fired with %d, want 2", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Now never fired")
	}

	// The armed trigger was cancelled by Now; nothing else fires.
	select {
	case got := <-fired:
		t.Fatalf("cancelled trigger fired with %d", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebouncer_StopPreventsFiring(t *testing.T) {
	fired := make(chan int, 1)
	d := NewDebouncer(20*time.Millisecond, func(v int) { fired <- v })

	d.Trigger(1)
	d.Stop()

	select {
	case got := <-fired:
		t.Fatalf("stopped debouncer fired with %d", got)
	case <-time.After(100 * time.Millisecond):
	}

	// Trigger and Now after Stop are no-ops.
	d.Trigger(2)
	d.Now(3)
	select {
	case got := <-fired:
		t.Fatalf("stopped debouncer fired with %d", got)
	case <-time.After(50 * time.Millisecond):
	}
}
