// Package journal subscribes to engine events and persists message outcomes
// through the storage layer. It is best-effort: a broken backend degrades to
// throttled warnings, never into the dispatch path.
package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"delayd/internal/dispatch"
	"delayd/internal/eventbus"
	rtsup "delayd/internal/runtime/supervisor"
	"delayd/internal/storage"
	logx "delayd/pkg/logx"
)

type Config struct {
	// Buffer sizes the bus subscription; slow appends drop events there.
	Buffer int

	// Retention and PruneInterval drive the periodic compaction.
	// Zero retention keeps everything and disables the prune loop.
	Retention     time.Duration
	PruneInterval time.Duration
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	cfg   Config

	sup       *rtsup.Supervisor
	unsub     func()
	stopPrune chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64

	warn *rate.Limiter
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	return &Service{
		log:   log.With(logx.String("comp", "journal")),
		bus:   bus,
		store: store,
		cfg:   cfg,
		warn:  rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Start is idempotent. With a nil store or bus the service stays inert.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.store == nil || s.bus == nil {
		return
	}

	ch, unsub := s.bus.Subscribe(s.cfg.Buffer)
	s.unsub = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go0("consume", func(c context.Context) { s.consume(c, ch) })
	if s.cfg.Retention > 0 {
		s.stopPrune = make(chan struct{})
		stop := s.stopPrune
		s.sup.Go0("prune", func(c context.Context) { s.pruneLoop(c, stop) })
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	stopPrune := s.stopPrune
	s.sup = nil
	s.unsub = nil
	s.stopPrune = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if stopPrune != nil {
		close(stopPrune)
	}
	if unsub != nil {
		unsub() // closes the subscription, the consumer drains and exits
	}
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}
}

// Written and Failed report append counters for diagnostics.
func (s *Service) Written() uint64 { return s.written.Load() }
func (s *Service) Failed() uint64  { return s.failed.Load() }

func (s *Service) consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			entry, ok := entryFor(ev)
			if !ok {
				continue
			}
			actx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			err := s.store.AppendOutcome(actx, entry)
			cancel()
			if err != nil {
				s.failed.Add(1)
				if s.warn.Allow() {
					s.log.Warn("journal append failed", logx.Err(err), logx.Uint64("failed", s.failed.Load()))
				}
				continue
			}
			s.written.Add(1)
		}
	}
}

func (s *Service) pruneLoop(ctx context.Context, stop <-chan struct{}) {
	t := time.NewTicker(s.cfg.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			cutoff := time.Now().Add(-s.cfg.Retention)
			pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := s.store.PruneBefore(pctx, cutoff)
			cancel()
			if err != nil {
				s.log.Warn("journal prune failed", logx.Err(err))
				continue
			}
			s.log.Debug("journal pruned", logx.Time("cutoff", cutoff))
		}
	}
}

// entryFor maps engine message events to journal rows. Phase events and
// anything that is not a message outcome are skipped.
func entryFor(ev eventbus.Event) (storage.OutcomeEntry, bool) {
	var outcome string
	switch ev.Type {
	case eventbus.TypeReleased:
		outcome = "released"
	case eventbus.TypeRejected:
		outcome = "rejected"
	case eventbus.TypeAbandoned:
		outcome = "abandoned"
	default:
		return storage.OutcomeEntry{}, false
	}
	me, ok := ev.Data.(dispatch.MessageEvent)
	if !ok {
		return storage.OutcomeEntry{}, false
	}
	e := storage.OutcomeEntry{
		At:       me.At,
		Recorded: ev.Time,
		ID:       me.ID,
		Sequence: me.Sequence,
		Outcome:  outcome,
		Reason:   me.Reason,
	}
	if outcome == "released" && !me.At.IsZero() && ev.Time.After(me.At) {
		e.LagMS = ev.Time.Sub(me.At).Milliseconds()
	}
	return e, true
}
