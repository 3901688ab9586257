package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/event"
	"PerpEngine/internal/state"
)

// ErrEngineStopped is returned for requests made after shutdown.
var ErrEngineStopped = errors.New("engine stopped")

const defaultMailboxSize = 1024

// Engine routes commands to per-market actors. Each market's core is owned
// by one goroutine, so markets progress in parallel while each market stays
// strictly sequential.
type Engine struct {
	log         zerolog.Logger
	mailboxSize int

	mu      sync.RWMutex
	actors  map[string]*marketActor
	started bool
	stopped chan struct{}
	wg      sync.WaitGroup
}

type marketActor struct {
	core    *DeterministicCore
	mailbox chan request
}

type request struct {
	ctx   context.Context
	fn    func(ctx context.Context, c *DeterministicCore) (any, error)
	reply chan reply
}

type reply struct {
	value any
	err   error
}

func NewEngine(log zerolog.Logger, mailboxSize int) *Engine {
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	return &Engine{
		log:         log.With().Str("component", "engine").Logger(),
		mailboxSize: mailboxSize,
		actors:      make(map[string]*marketActor),
		stopped:     make(chan struct{}),
	}
}

// AddMarket registers a market core. Markets must be added before Start.
func (e *Engine) AddMarket(c *DeterministicCore) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("add market %s: engine already started", c.Market().ID())
	}
	id := c.Market().ID()
	if _, ok := e.actors[id]; ok {
		return fmt.Errorf("market %s already registered", id)
	}
	e.actors[id] = &marketActor{core: c, mailbox: make(chan request, e.mailboxSize)}
	return nil
}

// Markets lists registered market IDs in order.
func (e *Engine) Markets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.actors))
	for id := range e.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start launches one goroutine per market. They exit when ctx is done;
// Wait blocks until they have.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	for id, a := range e.actors {
		a.core.stop = ctx.Done()
		e.wg.Add(1)
		go func(id string, a *marketActor) {
			defer e.wg.Done()
			e.log.Info().Str("market", id).Int64("sequence", a.core.GetSequence()).Msg("market actor started")
			a.run(ctx)
			e.log.Info().Str("market", id).Msg("market actor stopped")
		}(id, a)
	}
	go func() {
		<-ctx.Done()
		close(e.stopped)
	}()
}

// Wait blocks until every market actor has returned.
func (e *Engine) Wait() { e.wg.Wait() }

func (a *marketActor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.mailbox:
			v, err := req.fn(req.ctx, a.core)
			req.reply <- reply{value: v, err: err}
		}
	}
}

// Submit routes an event to its market and waits for the result.
func (e *Engine) Submit(ctx context.Context, evt event.Event) (Result, error) {
	v, err := e.do(ctx, evt.MarketID(), func(ctx context.Context, c *DeterministicCore) (any, error) {
		return c.ProcessEvent(ctx, evt)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Snapshot captures a market's state on its own goroutine.
func (e *Engine) Snapshot(ctx context.Context, market string) (Snapshot, error) {
	v, err := e.do(ctx, market, func(_ context.Context, c *DeterministicCore) (any, error) {
		return c.Snapshot(), nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Query runs a read-only function against a market's state on the market's
// goroutine.
func Query[T any](ctx context.Context, e *Engine, market string, fn func(m *state.Market) (T, error)) (T, error) {
	v, err := e.do(ctx, market, func(_ context.Context, c *DeterministicCore) (any, error) {
		return fn(c.Market())
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

func (e *Engine) do(ctx context.Context, market string, fn func(context.Context, *DeterministicCore) (any, error)) (any, error) {
	e.mu.RLock()
	a, ok := e.actors[market]
	started := e.started
	e.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "route", "unknown market %q", market)
	}
	if !started {
		return nil, fmt.Errorf("market %s: engine not started", market)
	}

	req := request{ctx: ctx, fn: fn, reply: make(chan reply, 1)}
	select {
	case a.mailbox <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopped:
		return nil, ErrEngineStopped
	}

	select {
	case r := <-req.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopped:
		// The actor may still answer if it picked the request up first.
		select {
		case r := <-req.reply:
			return r.value, r.err
		default:
			return nil, ErrEngineStopped
		}
	}
}
