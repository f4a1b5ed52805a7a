// Package scheduler polls active mailboxes on a fixed interval and feeds the
// listings to the cache, which publishes the resulting deltas.
//
// Each mailbox identity moves through Idle, Active and Suspended. An Active
// mailbox owns exactly one goroutine regardless of how many clients watch it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/mailbridge/internal/auth"
	"github.io/infrasutra/mailbridge/internal/cache"
	"github.io/infrasutra/mailbridge/internal/mailbox"
	"github.io/infrasutra/mailbridge/internal/metrics"
	"github.io/infrasutra/mailbridge/internal/remote"
)

type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateSuspended State = "suspended"
)

type Config struct {
	PollInterval      time.Duration
	CycleTimeout      time.Duration
	IdleWindow        time.Duration
	SweepInterval     time.Duration
	MaxActive         int
	AuthThreshold     int
	FolderConcurrency int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      45 * time.Second,
		CycleTimeout:      20 * time.Second,
		IdleWindow:        30 * time.Minute,
		SweepInterval:     time.Minute,
		MaxActive:         500,
		AuthThreshold:     3,
		FolderConcurrency: 4,
	}
}

// Publisher receives the events of every cycle.
type Publisher interface {
	Publish(events ...mailbox.Event)
}

// Status is a point-in-time view of one mailbox.
type Status struct {
	State        State     `json:"state"`
	Folders      []string  `json:"folders"`
	Subscribed   bool      `json:"subscribed"`
	AuthFailures int       `json:"authFailures"`
	LastCycle    time.Time `json:"lastCycle,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

type Scheduler struct {
	cfg     Config
	dialer  remote.Dialer
	cache   *cache.Cache
	pub     Publisher
	logger  *slog.Logger
	metrics *metrics.SchedulerMetrics
	now     func() time.Time

	base     context.Context
	shutdown context.CancelFunc

	mu        sync.Mutex
	mailboxes map[mailbox.Identity]*poller
	running   int
}

// poller is the scheduler's record of one identity. All fields are guarded
// by Scheduler.mu.
type poller struct {
	id         mailbox.Identity
	cfg        mailbox.Config
	token      string
	issuedAt   time.Time
	hasConfig  bool
	folders    []string
	state      State
	subscribed bool
	lastTouch  time.Time

	authFailures   int
	failedToken    string
	failedIssuedAt time.Time
	lastCycle      time.Time
	lastErr        error

	gen    int
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Scheduler)

// WithClock replaces time.Now for activity bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(cfg Config, dialer remote.Dialer, c *cache.Cache, pub Publisher, logger *slog.Logger, m *metrics.SchedulerMetrics, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = def.IdleWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = def.MaxActive
	}
	if cfg.AuthThreshold <= 0 {
		cfg.AuthThreshold = def.AuthThreshold
	}
	if cfg.FolderConcurrency <= 0 {
		cfg.FolderConcurrency = def.FolderConcurrency
	}

	base, shutdown := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		dialer:    dialer,
		cache:     c,
		pub:       pub,
		logger:    logger.With("component", "scheduler"),
		metrics:   m,
		now:       time.Now,
		base:      base,
		shutdown:  shutdown,
		mailboxes: map[mailbox.Identity]*poller{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// get returns the record for id, creating an Idle one. Called with s.mu held.
func (s *Scheduler) get(id mailbox.Identity) *poller {
	p, ok := s.mailboxes[id]
	if !ok {
		p = &poller{id: id, state: StateIdle, folders: []string{mailbox.Inbox}, lastTouch: s.now()}
		s.mailboxes[id] = p
	}
	return p
}

// Touch records a request made with sess. The newest session's configuration
// is used for polling, and a token other than the one that caused a
// suspension reactivates the mailbox.
func (s *Scheduler) Touch(sess *auth.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.get(sess.Identity)
	p.lastTouch = s.now()
	if !p.hasConfig || !sess.IssuedAt.Before(p.issuedAt) {
		if p.token != sess.Token {
			p.authFailures = 0
		}
		p.cfg = sess.Config
		p.token = sess.Token
		p.issuedAt = sess.IssuedAt
		p.hasConfig = true
	}

	if p.state == StateSuspended {
		if sess.Token == p.failedToken || sess.IssuedAt.Before(p.failedIssuedAt) {
			return
		}
		s.logger.Info("mailbox reactivated by new token", "mailbox", p.id.Short())
		p.authFailures = 0
		p.failedToken = ""
		p.state = StateIdle
	}
	if p.state == StateIdle {
		s.start(p)
	}
}

// SubscribersChanged implements hub.Observer.
func (s *Scheduler) SubscribersChanged(id mailbox.Identity, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.get(id)
	p.subscribed = n > 0
	p.lastTouch = s.now()
	if p.subscribed && p.state == StateIdle && p.hasConfig {
		s.start(p)
	}
}

// Watch adds folder to the set polled for id.
func (s *Scheduler) Watch(id mailbox.Identity, folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.get(id)
	if !slices.Contains(p.folders, folder) {
		p.folders = append(p.folders, folder)
	}
}

func (s *Scheduler) Status(id mailbox.Identity) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.mailboxes[id]
	if !ok {
		return Status{State: StateIdle}
	}
	st := Status{
		State:        p.state,
		Folders:      slices.Clone(p.folders),
		Subscribed:   p.subscribed,
		AuthFailures: p.authFailures,
		LastCycle:    p.lastCycle,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

// start launches the poll goroutine for p. At the cap it parks the least
// recently used active mailbox, preferring one without subscribers. A mailbox
// without subscribers never displaces one that has them; it stays Idle.
// Called with s.mu held.
func (s *Scheduler) start(p *poller) {
	if !p.hasConfig || p.state == StateActive {
		return
	}
	if s.running >= s.cfg.MaxActive {
		victim := s.leastRecentlyUsed(p.id)
		if victim != nil && victim.subscribed && !p.subscribed {
			s.logger.Info("active cap held by subscribed mailboxes, not polling", "mailbox", p.id.Short(), "cap", s.cfg.MaxActive)
			return
		}
		if victim != nil {
			s.logger.Info("active cap reached, parking mailbox", "mailbox", victim.id.Short(), "cap", s.cfg.MaxActive)
			s.stop(victim, StateIdle)
		}
	}

	ctx, cancel := context.WithCancel(s.base)
	p.gen++
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state = StateActive
	s.running++
	s.metrics.ActiveMailboxes.Set(float64(s.running))
	s.logger.Debug("mailbox active", "mailbox", p.id.Short())
	go s.loop(ctx, p, p.gen, p.done)
}

// stop cancels p's goroutine. Called with s.mu held.
func (s *Scheduler) stop(p *poller, next State) {
	if p.state == StateActive && p.cancel != nil {
		p.cancel()
		p.cancel = nil
		s.running--
		s.metrics.ActiveMailboxes.Set(float64(s.running))
	}
	p.state = next
}

func (s *Scheduler) leastRecentlyUsed(except mailbox.Identity) *poller {
	var victim *poller
	for id, p := range s.mailboxes {
		if id == except || p.state != StateActive {
			continue
		}
		if victim == nil || parksBefore(p, victim) {
			victim = p
		}
	}
	return victim
}

// parksBefore orders parking candidates: unsubscribed first, then oldest
// activity.
func parksBefore(a, b *poller) bool {
	if a.subscribed != b.subscribed {
		return !a.subscribed
	}
	return a.lastTouch.Before(b.lastTouch)
}

// resumeParked restarts subscribed mailboxes parked at the cap while slots
// are free. Called with s.mu held.
func (s *Scheduler) resumeParked() {
	for _, p := range s.mailboxes {
		if s.running >= s.cfg.MaxActive {
			return
		}
		if p.subscribed && p.hasConfig && p.state == StateIdle {
			s.logger.Info("resuming parked mailbox", "mailbox", p.id.Short())
			s.start(p)
		}
	}
}

func (s *Scheduler) loop(ctx context.Context, p *poller, gen int, done chan struct{}) {
	defer close(done)
	if !s.tick(ctx, p, gen) {
		return
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tick(ctx, p, gen) {
				return
			}
		}
	}
}

// tick runs one cycle and reports whether polling should continue.
func (s *Scheduler) tick(ctx context.Context, p *poller, gen int) bool {
	_, err := s.cycle(ctx, p, gen)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("poll cycle failed", "mailbox", p.id.Short(), "kind", remote.MailboxKind(err), "error", err)
	}
	return ctx.Err() == nil
}

// PollNow runs one cycle for id synchronously and returns the events it
// produced.
func (s *Scheduler) PollNow(ctx context.Context, id mailbox.Identity) ([]mailbox.Event, error) {
	s.mu.Lock()
	p, ok := s.mailboxes[id]
	var gen int
	var suspended, known bool
	if ok {
		gen, suspended, known = p.gen, p.state == StateSuspended, p.hasConfig
	}
	s.mu.Unlock()

	switch {
	case !ok || !known:
		return nil, mailbox.Errorf(mailbox.KindInvalidRequest, "poll now", "mailbox not registered")
	case suspended:
		return nil, mailbox.Errorf(mailbox.KindUnauthenticated, "poll now", "polling suspended after repeated authentication failures")
	}
	return s.cycle(ctx, p, gen)
}

type cycleResult string

const (
	resultOK           cycleResult = "ok"
	resultAuth         cycleResult = "auth"
	resultTransient    cycleResult = "transient"
	resultInconsistent cycleResult = "inconsistent"
	resultAbandoned    cycleResult = "abandoned"
)

// cycle lists every watched folder and applies the listings. Adapter calls
// run under their own timeout and are never interrupted by ctx; ctx is only
// checked once they return.
func (s *Scheduler) cycle(ctx context.Context, p *poller, gen int) ([]mailbox.Event, error) {
	s.mu.Lock()
	cfg, token, folders := p.cfg, p.token, slices.Clone(p.folders)
	s.mu.Unlock()

	start := s.now()
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CycleTimeout)
	defer cancel()

	listings := make([]mailbox.Listing, len(folders))
	g, gctx := errgroup.WithContext(callCtx)
	g.SetLimit(s.cfg.FolderConcurrency)
	for i, folder := range folders {
		i, folder := i, folder
		g.Go(func() error {
			client, err := s.dialer.Dial(gctx, cfg)
			if err != nil {
				return remote.DialFailure("imap connect", err)
			}
			defer client.Close()
			listing, err := client.ListFolder(gctx, folder)
			if err != nil {
				return fmt.Errorf("list %q: %w", folder, err)
			}
			listings[i] = listing
			return nil
		})
	}
	err := g.Wait()

	switch {
	case ctx.Err() != nil:
		s.record(p, gen, token, resultAbandoned, ctx.Err(), start)
		return nil, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		err = &remote.Error{Op: "poll cycle", Kind: remote.KindTimeout, Err: fmt.Errorf("exceeded %s: %w", s.cfg.CycleTimeout, callCtx.Err())}
	}
	if err != nil {
		result := resultTransient
		if remote.IsAuth(err) {
			result = resultAuth
		}
		s.record(p, gen, token, result, err, start)
		return nil, remote.Wrap("poll cycle", err)
	}

	var events []mailbox.Event
	for i, folder := range folders {
		produced, err := s.cache.Apply(p.id, folder, listings[i], s.emit)
		if err != nil {
			s.record(p, gen, token, resultInconsistent, err, start)
			return events, err
		}
		events = append(events, produced...)
	}
	s.record(p, gen, token, resultOK, nil, start)
	return events, nil
}

func (s *Scheduler) emit(events []mailbox.Event) {
	for _, e := range events {
		s.metrics.Events.With("kind", string(e.Kind)).Add(1)
	}
	s.pub.Publish(events...)
}

// record stores the outcome of a cycle and suspends the mailbox once
// authentication has failed AuthThreshold times in a row with the same
// token.
func (s *Scheduler) record(p *poller, gen int, token string, result cycleResult, err error, start time.Time) {
	s.metrics.Cycles.With("result", string(result)).Add(1)
	s.metrics.CycleDuration.Observe(s.now().Sub(start).Seconds())
	if result == resultAbandoned {
		s.logger.Info("poll cycle abandoned", "mailbox", p.id.Short())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p.lastCycle = s.now()
	p.lastErr = err
	switch result {
	case resultOK:
		p.authFailures = 0
	case resultAuth:
		if token != p.token {
			return
		}
		p.authFailures++
		if p.authFailures < s.cfg.AuthThreshold || p.gen != gen {
			return
		}
		s.logger.Warn("mailbox suspended after repeated auth failures", "mailbox", p.id.Short(), "failures", p.authFailures)
		p.failedToken = p.token
		p.failedIssuedAt = p.issuedAt
		s.stop(p, StateSuspended)
		s.resumeParked()
	}
}

// Sweep moves mailboxes with no subscribers and no activity within the idle
// window to Idle, then evicts their cached state.
func (s *Scheduler) Sweep(now time.Time) []mailbox.Identity {
	s.mu.Lock()
	var idled []mailbox.Identity
	for id, p := range s.mailboxes {
		if p.subscribed || now.Sub(p.lastTouch) <= s.cfg.IdleWindow {
			continue
		}
		s.stop(p, StateIdle)
		delete(s.mailboxes, id)
		idled = append(idled, id)
	}
	if len(idled) > 0 {
		s.resumeParked()
	}
	s.mu.Unlock()

	for _, id := range idled {
		s.logger.Debug("mailbox idle", "mailbox", id.Short())
	}
	s.cache.Sweep(now, s.cfg.IdleWindow, s.tracked)
	return idled
}

func (s *Scheduler) tracked(id mailbox.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mailboxes[id]
	return ok
}

// Run sweeps every SweepInterval until ctx is done, then stops every poller.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Close stops every poller and waits for their goroutines to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	var done []chan struct{}
	for _, p := range s.mailboxes {
		if p.done != nil {
			done = append(done, p.done)
		}
		s.stop(p, StateIdle)
	}
	s.mu.Unlock()
	s.shutdown()
	for _, d := range done {
		<-d
	}
}
