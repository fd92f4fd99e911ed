// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestResolver_HitSkipsProducer(t *testing.T) {
	c := NewMemoryCache(1<<20, 0)
	defer func() { _ = c.Close() }()
	r := NewResolver(c, zerolog.Nop())

	if err := c.Put("fp", mkEntry("cached", 10), time.Minute); err != nil {
		t.Fatal(err)
	}

	e, outcome, err := r.GetOrProduce(context.Background(), "fp", "tts", time.Minute,
		func(context.Context) (Entry, error) {
			t.Fatal("producer must not run on hit")
			return Entry{}, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeHit {
		t.Errorf("outcome = %q, want hit", outcome)
	}
	if e.SHA != "cached" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestResolver_MissProducesAndStores(t *testing.T) {
	c := NewMemoryCache(1<<20, 0)
	defer func() { _ = c.Close() }()
	r := NewResolver(c, zerolog.Nop())

	var calls atomic.Int32
	produce := func(context.Context) (Entry, error) {
		calls.Add(1)
		return mkEntry("produced", 20), nil
	}

	e, outcome, err := r.GetOrProduce(context.Background(), "fp", "tts", time.Minute, produce)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeMiss {
		t.Errorf("outcome = %q, want miss", outcome)
	}
	if e.SHA != "produced" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if calls.Load() != 1 {
		t.Errorf("producer ran %d times, want 1", calls.Load())
	}

	// Second call hits the stored entry.
	_, outcome, err = r.GetOrProduce(context.Background(), "fp", "tts", time.Minute, produce)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeHit {
		t.Errorf("outcome = %q, want hit", outcome)
	}
	if calls.Load() != 1 {
		t.Errorf("producer ran %d times after hit, want 1", calls.Load())
	}
}

func TestResolver_CoalescesConcurrentProducers(t *testing.T) {
	c := NewMemoryCache(1<<20, 0)
	defer func() { _ = c.Close() }()
	r := NewResolver(c, zerolog.Nop())

	var calls atomic.Int32
	release := make(chan struct{})
	produce := func(context.Context) (Entry, error) {
		calls.Add(1)
		<-release
		return mkEntry("shared", 20), nil
	}

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]Entry, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = r.GetOrProduce(context.Background(), "fp", "matting", time.Minute, produce)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("producer ran %d times, want 1", calls.Load())
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d error: %v", i, errs[i])
		}
		if results[i].SHA != "shared" {
			t.Errorf("waiter %d got %+v", i, results[i])
		}
	}
}

func TestResolver_WaiterObservesOwnCancellation(t *testing.T) {
	c := NewMemoryCache(1<<20, 0)
	defer func() { _ = c.Close() }()
	r := NewResolver(c, zerolog.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	produce := func(ctx context.Context) (Entry, error) {
		close(started)
		select {
		case <-release:
			return mkEntry("slow", 20), nil
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}

	// Initiator runs on the background context.
	initiatorDone := make(chan struct{})
	go func() {
		defer close(initiatorDone)
		_, _, err := r.GetOrProduce(context.Background(), "fp", "tts", time.Minute, produce)
		if err != nil {
			t.Errorf("initiator error: %v", err)
		}
	}()
	<-started

	// Waiter joins with a short deadline and bails out alone.
	waiterCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err := r.GetOrProduce(waiterCtx, "fp", "tts", time.Minute, produce)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiter error = %v, want deadline exceeded", err)
	}

	// Producer was not cancelled by the waiter.
	close(release)
	select {
	case <-initiatorDone:
	case <-time.After(time.Second):
		t.Fatal("initiator did not complete")
	}

	if _, found := c.Get("fp"); !found {
		t.Error("expected producer result to be stored")
	}
}

func TestResolver_InvalidateDuringFlightSkipsStore(t *testing.T) {
	c := NewMemoryCache(1<<20, 0)
	defer func() { _ = c.Close() }()
	r := NewResolver(c, zerolog.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	produce := func(context.Context) (Entry, error) {
		close(started)
		<-release
		return mkEntry("stale", 20), nil
	}

	type result struct {
		entry   Entry
		outcome string
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		e, o, err := r.GetOrProduce(context.Background(), "fp", "detection", time.Minute, produce)
		resCh <- result{e, o, err}
	}()

	<-started
	r.Invalidate("fp")
	close(release)

	res := <-resCh
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.entry.SHA != "stale" {
		t.Errorf("caller must still receive the produced entry, got %+v", res.entry)
	}
	if res.outcome != OutcomeBypass {
		t.Errorf("outcome = %q, want bypass", res.outcome)
	}
	if _, found := c.Get("fp"); found {
		t.Error("invalidated-in-flight result must not be stored")
	}
}

func TestResolver_ProducerErrorPropagates(t *testing.T) {
	c := NewMemoryCache(1<<20, 0)
	defer func() { _ = c.Close() }()
	r := NewResolver(c, zerolog.Nop())

	boom := errors.New("model exploded")
	_, _, err := r.GetOrProduce(context.Background(), "fp", "tts", time.Minute,
		func(context.Context) (Entry, error) {
			return Entry{}, boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if _, found := c.Get("fp"); found {
		t.Error("failed produce must not be stored")
	}
}

func TestResolver_OversizeResultIsBypass(t *testing.T) {
	c := NewMemoryCache(50, 0)
	defer func() { _ = c.Close() }()
	r := NewResolver(c, zerolog.Nop())

	e, outcome, err := r.GetOrProduce(context.Background(), "fp", "bgm_mix", time.Minute,
		func(context.Context) (Entry, error) {
			return mkEntry("huge", 500), nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeBypass {
		t.Errorf("outcome = %q, want bypass", outcome)
	}
	if e.SHA != "huge" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if _, found := c.Get("fp"); found {
		t.Error("oversize result must not be stored")
	}
}
