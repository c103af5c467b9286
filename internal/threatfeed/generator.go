package threatfeed

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/overwatch/internal/ring"
	"github.com/linnemanlabs/overwatch/internal/sched"
)

var tracer = otel.Tracer("github.com/linnemanlabs/overwatch/internal/threatfeed")

// ErrFault marks a tick that failed unexpectedly. A faulted generator stays stopped.
var ErrFault = errors.New("threatfeed: generator fault")

// Rand is the subset of *rand.Rand the generator draws from.
type Rand interface {
	IntN(n int) int
	Float64() float64
}

// Hooks receives per-tick callbacks, typically for metrics. Nil funcs are skipped.
type Hooks struct {
	OnTick  func(admitted bool, active, logLines int)
	OnFault func(err error)
}

// Options configures a Generator. Zero values get defaults.
type Options struct {
	Scheduler sched.Scheduler
	Rand      Rand
	Interval  time.Duration
	Logger    log.Logger
	Hooks     Hooks

	// OnFault is told when a fault stops the generator.
	OnFault func(err error)
}

// Generator is the threat feed state machine. It is STOPPED until Start.
type Generator struct {
	sched    sched.Scheduler
	rnd      Rand
	interval time.Duration
	logger   log.Logger
	hooks    Hooks
	onFault  func(error)

	mu      sync.Mutex
	running bool
	seeded  bool
	gen     uint64
	cancel  func()
	active  *ring.Ring[Threat]
	logs    *ring.Ring[string]
	ticks   uint64
	err     error

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Update)
}

// New creates a stopped Generator.
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
	return &Generator{
		sched:    opts.Scheduler,
		rnd:      opts.Rand,
		interval: opts.Interval,
		logger:   opts.Logger,
		hooks:    opts.Hooks,
		onFault:  opts.OnFault,
		active:   ring.New[Threat](ActiveCapacity),
		logs:     ring.New[string](LogCapacity),
		subs:     make(map[int]func(Update)),
	}
}

// Start schedules ticking. The two seed threats are inserted on the first
// Start, before any tick. Starting a running generator is a no-op.
func (g *Generator) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return fmt.Errorf("threatfeed: cannot start faulted generator: %w", err)
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
		return fmt.Errorf("threatfeed: schedule ticks: %w", err)
	}
	g.cancel = cancel
	g.running = true

	if !g.seeded {
		for _, t := range seedThreats(g.sched.Now()) {
			g.active.Push(t)
		}
		g.seeded = true
	}
	g.mu.Unlock()

	g.logger.Info(ctx, "threat feed started", "interval", g.interval.String())
	return nil
}

// Stop cancels ticking and keeps the current state. No tick mutates state
// after Stop returns. Safe to call at any time, including from a subscriber.
func (g *Generator) Stop(ctx context.Context) {
	g.mu.Lock()
	wasRunning := g.running
	g.stopLocked()
	g.mu.Unlock()

	if wasRunning {
		g.logger.Info(ctx, "threat feed stopped")
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
// ticking goroutine after state has been updated and must not block for long.
// An Update is shared by all subscribers and must be treated as read-only.
// A tick that completed before Stop may still be delivered after Stop returns.
// The returned func removes the subscription.
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
	ctx, span := tracer.Start(context.Background(), "threatfeed.tick")
	defer span.End()

	u, ok, err := g.step(gen, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Error(ctx, err, "threat feed faulted, generator stopped")
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
		attribute.String("overwatch.threat.id", u.Threat.ID),
		attribute.String("overwatch.threat.type", string(u.Threat.Type)),
		attribute.Bool("overwatch.threat.verified", u.Threat.Verified),
		attribute.Int64("overwatch.feed.tick", int64(u.Snapshot.Tick)),
	)

	if u.Admitted {
		g.logger.Info(ctx, "threat admitted",
			"threat_id", u.Threat.ID,
			"type", u.Threat.Type,
			"sector", u.Threat.Sector,
			"active", len(u.Snapshot.ActiveThreats),
		)
	} else {
		g.logger.Warn(ctx, "threat rejected by verification gate",
			"threat_id", u.Threat.ID,
			"type", u.Threat.Type,
			"sector", u.Threat.Sector,
		)
	}

	if g.hooks.OnTick != nil {
		g.hooks.OnTick(u.Admitted, len(u.Snapshot.ActiveThreats), len(u.Snapshot.LogLines))
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

	t := g.generate(now)
	var line string
	if t.Verified {
		g.active.Push(t)
		line = fmt.Sprintf("[%s] Threat %s verified. Engaging.", now.Format(LogTimeLayout), t.ID)
	} else {
		line = fmt.Sprintf("[%s] SPOOF DETECTED: Threat %s rejected by Zynd Protocol.", now.Format(LogTimeLayout), t.ID)
	}
	g.logs.Push(line)
	g.ticks++

	return Update{
		Threat:   t,
		Admitted: t.Verified,
		LogLine:  line,
		Snapshot: g.snapshotLocked(),
	}, true, nil
}

// generate draws a new threat. Draw order is fixed so seeded runs repeat.
func (g *Generator) generate(now time.Time) Threat {
	id := fmt.Sprintf("T-%04d", g.rnd.IntN(10000))
	typ := GeneratedTypes[g.rnd.IntN(len(GeneratedTypes))]
	sector := Sectors[g.rnd.IntN(len(Sectors))]
	lat := Origin.Lat + (g.rnd.Float64()*2-1)*Spread
	lng := Origin.Lng + (g.rnd.Float64()*2-1)*Spread
	verified := g.rnd.Float64() < VerifyProbability

	status := StatusBlocked
	if verified {
		status = StatusActive
	}

	return Threat{
		ID:          id,
		Type:        typ,
		Coordinates: Coordinates{Lat: lat, Lng: lng},
		Sector:      sector,
		Verified:    verified,
		Timestamp:   now,
		Status:      status,
	}
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
			g.logger.Error(ctx, fmt.Errorf("subscriber panic: %v", r), "threat feed subscriber failed")
		}
	}()
	fn(u)
}

func (g *Generator) snapshotLocked() Snapshot {
	return Snapshot{
		ActiveThreats: g.active.Oldest(),
		LogLines:      g.logs.Newest(),
		Status:        SystemOnline,
		Tick:          g.ticks,
	}
}

func (g *Generator) stopLocked() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.running = false
}
