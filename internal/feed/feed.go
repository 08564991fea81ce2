// Package feed is the daemon's I/O shell: JSON-lines submissions on stdin,
// released messages as JSON lines on stdout. It sits entirely outside the
// engine; the engine only sees Submit calls and egress reads.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"delayd/internal/dispatch"
	rtsup "delayd/internal/runtime/supervisor"
	logx "delayd/pkg/logx"
)

// Engine is the slice of the dispatcher the feed needs.
type Engine interface {
	Submit(ctx context.Context, at time.Time, payload any) (dispatch.Message, error)
	Messages() <-chan dispatch.Message
}

// submission is one input line. Exactly one of Delay or At must be set.
type submission struct {
	Delay   string          `json:"delay,omitempty"`
	At      string          `json:"at,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// release is one output line.
type release struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Sequence uint64    `json:"sequence"`
	Payload  any       `json:"payload,omitempty"`
	Released time.Time `json:"released"`
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	engine Engine
	in     io.Reader
	out    io.Writer

	sup        *rtsup.Supervisor
	writerDone chan struct{}

	accepting atomic.Bool
	accepted  atomic.Uint64
	refused   atomic.Uint64

	badLine *rate.Limiter
}

func New(engine Engine, in io.Reader, out io.Writer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("comp", "feed")),
		engine:  engine,
		in:      in,
		out:     out,
		badLine: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.accepting.Store(true)
	s.writerDone = make(chan struct{})
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go0("stdin.read", s.readLoop)
	done := s.writerDone
	s.sup.Go0("stdout.write", func(c context.Context) {
		defer close(done)
		s.writeLoop(c)
	})
}

// StopIntake refuses further submissions while leaving the output pump
// running, so an engine drain can still reach stdout.
func (s *Service) StopIntake() { s.accepting.Store(false) }

// Drain blocks until the output pump has written everything the engine will
// ever deliver (the egress channel closed), or ctx expires.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	done := s.writerDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the pumps. The stdin reader may stay blocked in a read until
// the process exits; Stop does not wait for it beyond ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.StopIntake()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("feed stop incomplete", logx.Err(err))
	}
}

// Accepted and Refused report intake counters for diagnostics.
func (s *Service) Accepted() uint64 { return s.accepted.Load() }
func (s *Service) Refused() uint64  { return s.refused.Load() }

func (s *Service) readLoop(ctx context.Context) {
	sc := bufio.NewScanner(s.in)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !s.accepting.Load() {
			s.refused.Add(1)
			continue
		}
		at, payload, err := parseLine([]byte(line))
		if err != nil {
			s.refused.Add(1)
			if s.badLine.Allow() {
				s.log.Warn("submission rejected", logx.Err(err))
			}
			continue
		}
		m, err := s.engine.Submit(ctx, at, payload)
		if err != nil {
			s.refused.Add(1)
			if s.badLine.Allow() {
				s.log.Warn("submission rejected", logx.Err(err), logx.Time("at", at))
			}
			continue
		}
		s.accepted.Add(1)
		s.log.Debug("submission accepted", logx.String("id", m.ID), logx.Time("at", m.At))
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		s.log.Warn("stdin read failed", logx.Err(err))
	}
}

func (s *Service) writeLoop(ctx context.Context) {
	w := bufio.NewWriter(s.out)
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			_ = w.Flush()
			return
		case m, ok := <-s.engine.Messages():
			if !ok {
				_ = w.Flush()
				return
			}
			out := release{
				ID:       m.ID,
				At:       m.At,
				Sequence: m.Sequence(),
				Payload:  m.Payload,
				Released: time.Now(),
			}
			if err := enc.Encode(out); err != nil {
				s.log.Error("stdout write failed", logx.Err(err))
				return
			}
			if err := w.Flush(); err != nil {
				s.log.Error("stdout flush failed", logx.Err(err))
				return
			}
		}
	}
}

func parseLine(line []byte) (time.Time, any, error) {
	var sub submission
	dec := json.NewDecoder(strings.NewReader(string(line)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		return time.Time{}, nil, fmt.Errorf("parse submission: %w", err)
	}
	hasDelay := strings.TrimSpace(sub.Delay) != ""
	hasAt := strings.TrimSpace(sub.At) != ""
	switch {
	case hasDelay && hasAt:
		return time.Time{}, nil, errors.New(`submission sets both "delay" and "at"`)
	case hasDelay:
		d, err := time.ParseDuration(strings.TrimSpace(sub.Delay))
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("parse delay: %w", err)
		}
		if d < 0 {
			return time.Time{}, nil, errors.New("delay must not be negative")
		}
		return time.Now().Add(d), sub.Payload, nil
	case hasAt:
		at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(sub.At))
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("parse at: %w", err)
		}
		return at, sub.Payload, nil
	default:
		return time.Time{}, nil, errors.New(`submission needs "delay" or "at"`)
	}
}
