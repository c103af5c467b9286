package tribunal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/overwatch/internal/ring"
	"github.com/linnemanlabs/overwatch/internal/sched"
)

var tracer = otel.Tracer("github.com/linnemanlabs/overwatch/internal/tribunal")

// ErrFault marks a tick that failed unexpectedly. A faulted generator stays stopped.
var ErrFault = errors.New("tribunal: generator fault")

// Rand is the subset of *rand.Rand the generator draws from.
type Rand interface {
	Float64() float64
}

// Hooks receives per-tick callbacks, typically for metrics. Nil funcs are skipped.
type Hooks struct {
	OnTick  func(agent AgentID, consensus float64)
	OnFault func(err error)
}

// Options configures a Generator. Zero values get defaults.
type Options struct {
	Scheduler sched.Scheduler
	Rand      Rand
	Interval  time.Duration
	Logger    log.Logger
	Hooks     Hooks

	// Entropy feeds the random half of message ids. Defaults to ulid.DefaultEntropy.
	Entropy io.Reader

	// OnFault is told when a fault stops the generator.
	OnFault func(err error)
}

// Generator is the tribunal state machine. It is STOPPED until Start.
type Generator struct {
	sched    sched.Scheduler
	rnd      Rand
	entropy  io.Reader
	interval time.Duration
	logger   log.Logger
	hooks    Hooks
	onFault  func(error)

	mu          sync.Mutex
	running     bool
	cancel      func()
	gen         uint64
	messages    *ring.Ring[Message]
	consensus   float64
	scriptIndex int
	ticks       uint64
	err         error

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Update)
}

// New creates a stopped Generator with consensus at InitialConsensus.
func New(opts Options) *Generator {
	if opts.Scheduler == nil {
		opts.Scheduler = sched.Ticker{}
	}
	if opts.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		opts.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	entropy := ulid.DefaultEntropy()
	if opts.Entropy != nil {
		entropy = ulid.Monotonic(opts.Entropy, 0)
	}
	return &Generator{
		sched:     opts.Scheduler,
		rnd:       opts.Rand,
		entropy:   entropy,
		interval:  opts.Interval,
		logger:    opts.Logger,
		hooks:     opts.Hooks,
		onFault:   opts.OnFault,
		messages:  ring.New[Message](Capacity),
		consensus: InitialConsensus,
		subs:      make(map[int]func(Update)),
	}
}

// Start moves the generator to RUNNING. Starting a running generator is a no-op.
func (g *Generator) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return fmt.Errorf("tribunal: cannot start faulted generator: %w", err)
	}
	if g.running {
		g.mu.Unlock()
		return nil
	}

	// ticks from an earlier Start are ignored even if already in flight
	g.gen++
	gen := g.gen
	cancel, err := g.sched.Every(g.interval, func(now time.Time) { g.tick(gen, now) })
	if err != nil {
		g.mu.Unlock()
		return fmt.Errorf("tribunal: schedule ticks: %w", err)
	}
	g.cancel = cancel
	g.running = true
	g.mu.Unlock()

	g.logger.Info(ctx, "tribunal feed started", "interval", g.interval.String())
	return nil
}

// Stop moves the generator to STOPPED, keeping messages and consensus. No
// tick mutates state after Stop returns. Safe to call at any time, including
// from a subscriber.
func (g *Generator) Stop(ctx context.Context) {
	g.mu.Lock()
	wasRunning := g.running
	g.stopLocked()
	g.mu.Unlock()

	if wasRunning {
		g.logger.Info(ctx, "tribunal feed stopped")
	}
}

// Running reports whether the generator is ticking.
func (g *Generator) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Err returns the fault that stopped the generator, if any.
func (g *Generator) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Snapshot returns a copy of the current state.
func (g *Generator) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// Subscribe registers fn to receive every tick's Update. Callbacks run on the
// ticking goroutine, share one Update value, and must not block for long.
// A tick that completed before Stop may still be delivered after Stop returns.
func (g *Generator) Subscribe(fn func(Update)) (unsubscribe func()) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	g.nextSub++
	id := g.nextSub
	g.subs[id] = fn
	return func() {
		g.subMu.Lock()
		defer g.subMu.Unlock()
		delete(g.subs, id)
	}
}

func (g *Generator) tick(gen uint64, now time.Time) {
	ctx, span := tracer.Start(context.Background(), "tribunal.tick")
	defer span.End()

	u, ok, err := g.step(gen, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Error(ctx, err, "tribunal feed faulted, generator stopped")
		if g.hooks.OnFault != nil {
			g.hooks.OnFault(err)
		}
		if g.onFault != nil {
			g.onFault(err)
		}
		return
	}
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("overwatch.tribunal.agent", string(u.Message.Agent)),
		attribute.Int("overwatch.tribunal.script_index", u.Message.ScriptIndex),
		attribute.Float64("overwatch.tribunal.consensus", u.Snapshot.Consensus),
	)

	g.logger.Info(ctx, "tribunal message",
		"message_id", u.Message.ID,
		"agent", u.Message.Agent,
		"script_index", u.Message.ScriptIndex,
		"consensus", u.Snapshot.ConsensusPercent,
	)

	if g.hooks.OnTick != nil {
		g.hooks.OnTick(u.Message.Agent, u.Snapshot.Consensus)
	}
	g.publish(ctx, u)
}

// step runs one tick's state transition under the lock. A panic is converted
// into a fault that stops the generator.
func (g *Generator) step(gen uint64, now time.Time) (u Update, ok bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running || gen != g.gen {
		return u, false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFault, r)
			g.err = err
			g.stopLocked()
		}
	}()

	idx := g.scriptIndex % len(Script)
	line := Script[idx]
	msg := Message{
		ID:          ulid.MustNew(ulid.Timestamp(now), g.entropy).String(),
		Agent:       line.Agent,
		Color:       Agents[line.Agent].Color,
		Text:        line.Text,
		ScriptIndex: idx,
		EmittedAt:   now,
	}
	delta := g.rnd.Float64()*2*MaxDelta - MaxDelta

	g.messages.Push(msg)
	g.consensus = Step(g.consensus, delta)
	g.scriptIndex++
	g.ticks++

	return Update{Message: msg, Delta: delta, Snapshot: g.snapshotLocked()}, true, nil
}

func (g *Generator) publish(ctx context.Context, u Update) {
	g.subMu.Lock()
	subs := make([]func(Update), 0, len(g.subs))
	for _, fn := range g.subs {
		subs = append(subs, fn)
	}
	g.subMu.Unlock()

	for _, fn := range subs {
		g.deliver(ctx, fn, u)
	}
}

func (g *Generator) deliver(ctx context.Context, fn func(Update), u Update) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error(ctx, fmt.Errorf("subscriber panic: %v", r), "tribunal subscriber failed")
		}
	}()
	fn(u)
}

func (g *Generator) snapshotLocked() Snapshot {
	return Snapshot{
		Messages:         g.messages.Oldest(),
		Consensus:        g.consensus,
		ConsensusPercent: int(math.Round(g.consensus)),
		Status:           StatusDeliberating,
		Tick:             g.ticks,
	}
}

func (g *Generator) stopLocked() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.running = false
}
