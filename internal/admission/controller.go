// SPDX-License-Identifier: MIT

// Package admission gates model executions against a shared VRAM budget and
// per-model concurrency limits. Waiters are served in strict arrival order:
// a request that does not fit blocks everything behind it, which keeps
// large models from starving.
package admission

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/metrics"
)

// Controller tracks VRAM reservations for registered models.
type Controller struct {
	budgetMB int64
	logger   zerolog.Logger

	mu     sync.Mutex
	models map[string]*modelState
	usedMB int64
	highMB int64
	queue  *list.List // of *waiter, arrival order
	seq    uint64
}

type modelState struct {
	costMB         int64
	maxConcurrency int
	outstanding    int
	queued         int
}

type waiter struct {
	model    string
	seq      uint64
	enqueued time.Time
	ready    chan *Ticket
	elem     *list.Element
}

// Ticket is a live VRAM reservation. Release is idempotent.
type Ticket struct {
	c        *Controller
	model    string
	released atomic.Bool
}

// NewController creates a controller with the given VRAM budget in MiB.
func NewController(budgetMB int64, logger zerolog.Logger) *Controller {
	return &Controller{
		budgetMB: budgetMB,
		logger:   logger,
		models:   make(map[string]*modelState),
		queue:    list.New(),
	}
}

// Register declares a model's VRAM cost and concurrency ceiling. Models must
// be registered before the first Acquire.
func (c *Controller) Register(model string, vramCostMB int64, maxConcurrency int) error {
	if vramCostMB < 0 || vramCostMB > c.budgetMB {
		return fault.Newf(fault.KindInternal, "model %q cost %d MiB outside budget %d MiB", model, vramCostMB, c.budgetMB)
	}
	if maxConcurrency < 1 {
		return fault.Newf(fault.KindInternal, "model %q max concurrency %d", model, maxConcurrency)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.models[model]; exists {
		return fault.Newf(fault.KindInternal, "model %q already registered", model)
	}
	c.models[model] = &modelState{costMB: vramCostMB, maxConcurrency: maxConcurrency}
	return nil
}

// Acquire blocks until the model fits under the budget and its concurrency
// limit, or the context ends. Strict FIFO: a new request never overtakes a
// queued one, even if it would fit.
func (c *Controller) Acquire(ctx context.Context, model string) (*Ticket, error) {
	c.mu.Lock()
	ms, ok := c.models[model]
	if !ok {
		c.mu.Unlock()
		return nil, fault.Newf(fault.KindInternal, "model %q not registered", model)
	}

	if c.queue.Len() == 0 && c.fitsLocked(ms) {
		t := c.grantLocked(model, ms)
		c.mu.Unlock()
		metrics.ObserveAdmissionWait(model, 0)
		return t, nil
	}

	c.seq++
	w := &waiter{
		model:    model,
		seq:      c.seq,
		enqueued: time.Now(),
		ready:    make(chan *Ticket, 1),
	}
	w.elem = c.queue.PushBack(w)
	ms.queued++
	metrics.SetAdmissionQueueDepth(model, ms.queued)
	c.mu.Unlock()

	select {
	case t := <-w.ready:
		metrics.ObserveAdmissionWait(model, time.Since(w.enqueued))
		return t, nil
	case <-ctx.Done():
		c.mu.Lock()
		// A grant may have raced the cancellation: drain it and give the
		// reservation straight back.
		select {
		case t := <-w.ready:
			c.mu.Unlock()
			t.Release()
			metrics.RecordAdmissionReject(model, rejectReason(ctx.Err()))
			return nil, fault.Wrap(fault.KindOf(ctx.Err()), "admission wait interrupted", ctx.Err())
		default:
		}
		c.queue.Remove(w.elem)
		ms.queued--
		metrics.SetAdmissionQueueDepth(model, ms.queued)
		c.mu.Unlock()
		metrics.RecordAdmissionReject(model, rejectReason(ctx.Err()))
		return nil, fault.Wrap(fault.KindOf(ctx.Err()), "admission wait interrupted", ctx.Err())
	}
}

// Release returns the reservation. Double release logs a warning and does
// nothing else.
func (t *Ticket) Release() {
	if !t.released.CompareAndSwap(false, true) {
		t.c.logger.Warn().Str("model", t.model).Msg("admission ticket released twice")
		return
	}

	c := t.c
	c.mu.Lock()
	ms := c.models[t.model]
	c.usedMB -= ms.costMB
	ms.outstanding--
	metrics.SetVRAMUsed(c.usedMB, c.highMB)
	c.wakeLocked()
	c.mu.Unlock()
}

// Model returns the model this ticket reserves.
func (t *Ticket) Model() string { return t.model }

func (c *Controller) fitsLocked(ms *modelState) bool {
	return c.usedMB+ms.costMB <= c.budgetMB && ms.outstanding < ms.maxConcurrency
}

func (c *Controller) grantLocked(model string, ms *modelState) *Ticket {
	c.usedMB += ms.costMB
	ms.outstanding++
	if c.usedMB > c.highMB {
		c.highMB = c.usedMB
	}
	metrics.SetVRAMUsed(c.usedMB, c.highMB)
	return &Ticket{c: c, model: model}
}

// wakeLocked grants queued waiters from the front while they fit. It stops
// at the first waiter that does not fit; nothing behind it may overtake.
func (c *Controller) wakeLocked() {
	for {
		front := c.queue.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		ms := c.models[w.model]
		if !c.fitsLocked(ms) {
			return
		}
		c.queue.Remove(front)
		ms.queued--
		metrics.SetAdmissionQueueDepth(w.model, ms.queued)
		w.ready <- c.grantLocked(w.model, ms)
	}
}

func rejectReason(err error) string {
	if fault.KindOf(err) == fault.KindTimeout {
		return "timeout"
	}
	return "cancelled"
}

// ModelSnapshot is the per-model view of a Snapshot.
type ModelSnapshot struct {
	CostMB         int64
	MaxConcurrency int
	Outstanding    int
	Queued         int
}

// Snapshot is a point-in-time view of the controller for health reporting.
type Snapshot struct {
	BudgetMB    int64
	UsedMB      int64
	HighWaterMB int64
	Queued      int
	Models      map[string]ModelSnapshot
}

// Snapshot returns the current reservation state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		BudgetMB:    c.budgetMB,
		UsedMB:      c.usedMB,
		HighWaterMB: c.highMB,
		Queued:      c.queue.Len(),
		Models:      make(map[string]ModelSnapshot, len(c.models)),
	}
	for name, ms := range c.models {
		s.Models[name] = ModelSnapshot{
			CostMB:         ms.costMB,
			MaxConcurrency: ms.maxConcurrency,
			Outstanding:    ms.outstanding,
			Queued:         ms.queued,
		}
	}
	return s
}
