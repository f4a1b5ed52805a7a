package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/mailbridge/internal/auth"
	"github.io/infrasutra/mailbridge/internal/cache"
	"github.io/infrasutra/mailbridge/internal/hub"
	"github.io/infrasutra/mailbridge/internal/mailbox"
	"github.io/infrasutra/mailbridge/internal/mailtest"
	"github.io/infrasutra/mailbridge/internal/metrics"
	"github.io/infrasutra/mailbridge/internal/remote"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	server *mailtest.Server
	cache  *cache.Cache
	hub    *hub.Hub
	sched  *Scheduler
	clock  *fakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	f := &fixture{
		server: mailtest.NewServer(),
		cache:  cache.New(logger, cache.WithClock(clock.Now)),
		hub:    hub.New(logger, metrics.Discard().Hub),
		clock:  clock,
	}
	f.sched = New(cfg, f.server, f.cache, f.hub, logger, metrics.Discard().Scheduler, WithClock(clock.Now))
	f.hub.SetObserver(f.sched)
	t.Cleanup(f.sched.Close)
	return f
}

func mailboxConfig(login, password string) mailbox.Config {
	return mailbox.Config{
		Email:    login,
		Password: password,
		IMAP:     mailbox.Endpoint{Host: "imap.example.com", Port: 993, Security: mailbox.SecurityTLS},
		SMTP:     mailbox.Endpoint{Host: "imap.example.com", Port: 587, Security: mailbox.SecurityStartTLS},
	}
}

func session(cfg mailbox.Config, token string, issuedAt time.Time) *auth.Session {
	return &auth.Session{
		Config:    cfg,
		Identity:  mailbox.IdentityOf(cfg),
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(15 * time.Minute),
		Token:     token,
	}
}

func (f *fixture) waitCycles(t *testing.T, id mailbox.Identity) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !f.sched.Status(id).LastCycle.IsZero()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBaselineThenNewMessages(t *testing.T) {
	f := newFixture(t, Config{})
	f.server.AddAccount("user@example.com", "pw")
	f.server.Deliver("user@example.com", mailbox.Inbox, mailtest.Message("a@example.com", "user@example.com", "old", "x"), mailbox.FlagSeen)

	cfg := mailboxConfig("user@example.com", "pw")
	sess := session(cfg, "t1", f.clock.Now())
	q := hub.NewQueue(16)
	f.hub.Subscribe(sess.Identity, q)

	f.sched.Touch(sess)
	f.waitCycles(t, sess.Identity)
	assert.Equal(t, StateActive, f.sched.Status(sess.Identity).State)
	assert.Empty(t, q.Events(), "baseline must be silent")

	events, err := f.sched.PollNow(context.Background(), sess.Identity)
	require.NoError(t, err)
	assert.Empty(t, events)

	u1 := f.server.Deliver("user@example.com", mailbox.Inbox, mailtest.Message("b@example.com", "user@example.com", "one", "x"))
	u2 := f.server.Deliver("user@example.com", mailbox.Inbox, mailtest.Message("c@example.com", "user@example.com", "two", "x"))

	events, err = f.sched.PollNow(context.Background(), sess.Identity)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, mailbox.EventNewMessages, events[0].Kind)
	assert.Equal(t, []mailbox.UID{u1, u2}, events[0].Payload.UIDs)

	got := <-q.Events()
	assert.Equal(t, mailbox.EventNewMessages, got.Kind)
	assert.Equal(t, sess.Identity, got.Mailbox)
}

func TestAuthSuspensionAndReactivation(t *testing.T) {
	f := newFixture(t, Config{AuthThreshold: 3})
	f.server.AddAccount("user@example.com", "new-password")

	stale := session(mailboxConfig("user@example.com", "old-password"), "t1", f.clock.Now())
	f.sched.Touch(stale)
	f.waitCycles(t, stale.Identity)
	assert.Equal(t, 1, f.sched.Status(stale.Identity).AuthFailures)

	for i := 0; i < 2; i++ {
		_, err := f.sched.PollNow(context.Background(), stale.Identity)
		require.Error(t, err)
		assert.True(t, errors.Is(err, mailbox.ErrUnauthenticated), "got %v", err)
	}
	assert.Equal(t, StateSuspended, f.sched.Status(stale.Identity).State)

	_, err := f.sched.PollNow(context.Background(), stale.Identity)
	assert.True(t, errors.Is(err, mailbox.ErrUnauthenticated))
	dials := f.server.Dials()

	// The same token does not lift the suspension.
	f.sched.Touch(stale)
	assert.Equal(t, StateSuspended, f.sched.Status(stale.Identity).State)
	assert.Equal(t, dials, f.server.Dials())

	f.clock.Advance(time.Minute)
	fresh := session(mailboxConfig("user@example.com", "new-password"), "t2", f.clock.Now())
	f.sched.Touch(fresh)
	assert.Equal(t, StateActive, f.sched.Status(fresh.Identity).State)
	require.Eventually(t, func() bool {
		st := f.sched.Status(fresh.Identity)
		return st.AuthFailures == 0 && st.LastError == ""
	}, 2*time.Second, 5*time.Millisecond)

	_, ok := f.cache.Snapshot(fresh.Identity, mailbox.Inbox)
	assert.True(t, ok)
}

func TestIdleSweepEvictsState(t *testing.T) {
	f := newFixture(t, Config{IdleWindow: 30 * time.Minute})
	f.server.AddAccount("idle@example.com", "pw")
	f.server.AddAccount("busy@example.com", "pw")

	idle := session(mailboxConfig("idle@example.com", "pw"), "t1", f.clock.Now())
	busy := session(mailboxConfig("busy@example.com", "pw"), "t2", f.clock.Now())
	f.sched.Touch(idle)
	f.sched.Touch(busy)
	f.waitCycles(t, idle.Identity)
	f.waitCycles(t, busy.Identity)
	q := hub.NewQueue(4)
	f.hub.Subscribe(busy.Identity, q)

	f.clock.Advance(10 * time.Minute)
	assert.Empty(t, f.sched.Sweep(f.clock.Now()))

	f.clock.Advance(25 * time.Minute)
	assert.Equal(t, []mailbox.Identity{idle.Identity}, f.sched.Sweep(f.clock.Now()))
	assert.Equal(t, StateIdle, f.sched.Status(idle.Identity).State)
	assert.Equal(t, StateActive, f.sched.Status(busy.Identity).State)

	_, ok := f.cache.Snapshot(idle.Identity, mailbox.Inbox)
	assert.False(t, ok, "idle mailbox state evicted")
	_, ok = f.cache.Snapshot(busy.Identity, mailbox.Inbox)
	assert.True(t, ok)
}

func TestLastUnsubscribeStartsIdleClock(t *testing.T) {
	f := newFixture(t, Config{IdleWindow: 30 * time.Minute})
	f.server.AddAccount("user@example.com", "pw")
	sess := session(mailboxConfig("user@example.com", "pw"), "t1", f.clock.Now())
	f.sched.Touch(sess)
	f.waitCycles(t, sess.Identity)

	q := hub.NewQueue(4)
	unsubscribe := f.hub.Subscribe(sess.Identity, q)
	f.clock.Advance(time.Hour)
	assert.Empty(t, f.sched.Sweep(f.clock.Now()))

	unsubscribe()
	f.clock.Advance(29 * time.Minute)
	assert.Empty(t, f.sched.Sweep(f.clock.Now()))
	f.clock.Advance(2 * time.Minute)
	assert.Len(t, f.sched.Sweep(f.clock.Now()), 1)
}

func TestMaxActiveParksLeastRecentlyUsed(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1})
	f.server.AddAccount("a@example.com", "pw")
	f.server.AddAccount("b@example.com", "pw")
	a := session(mailboxConfig("a@example.com", "pw"), "ta", f.clock.Now())
	b := session(mailboxConfig("b@example.com", "pw"), "tb", f.clock.Now())

	f.sched.Touch(a)
	f.clock.Advance(time.Second)
	f.sched.Touch(b)
	assert.Equal(t, StateIdle, f.sched.Status(a.Identity).State)
	assert.Equal(t, StateActive, f.sched.Status(b.Identity).State)

	f.clock.Advance(time.Second)
	f.sched.Touch(a)
	assert.Equal(t, StateActive, f.sched.Status(a.Identity).State)
	assert.Equal(t, StateIdle, f.sched.Status(b.Identity).State)
}

func TestMaxActiveKeepsSubscribedMailboxes(t *testing.T) {
	f := newFixture(t, Config{MaxActive: 1, IdleWindow: 30 * time.Minute})
	f.server.AddAccount("a@example.com", "pw")
	f.server.AddAccount("b@example.com", "pw")
	a := session(mailboxConfig("a@example.com", "pw"), "ta", f.clock.Now())
	b := session(mailboxConfig("b@example.com", "pw"), "tb", f.clock.Now())

	f.sched.Touch(a)
	f.hub.Subscribe(a.Identity, hub.NewQueue(4))
	f.clock.Advance(time.Second)
	f.sched.Touch(b)
	assert.Equal(t, StateActive, f.sched.Status(a.Identity).State)
	assert.Equal(t, StateIdle, f.sched.Status(b.Identity).State)

	// A subscribed newcomer may displace a subscribed mailbox.
	f.clock.Advance(time.Second)
	unsubscribeB := f.hub.Subscribe(b.Identity, hub.NewQueue(4))
	assert.Equal(t, StateIdle, f.sched.Status(a.Identity).State)
	assert.Equal(t, StateActive, f.sched.Status(b.Identity).State)

	// Once b goes idle the parked subscriber resumes polling.
	unsubscribeB()
	f.clock.Advance(31 * time.Minute)
	assert.Equal(t, []mailbox.Identity{b.Identity}, f.sched.Sweep(f.clock.Now()))
	assert.Equal(t, StateActive, f.sched.Status(a.Identity).State)
}

func TestNewTokenResetsAuthFailures(t *testing.T) {
	f := newFixture(t, Config{AuthThreshold: 3})
	f.server.AddAccount("user@example.com", "right")

	first := session(mailboxConfig("user@example.com", "wrong"), "t1", f.clock.Now())
	f.sched.Touch(first)
	f.waitCycles(t, first.Identity)
	_, err := f.sched.PollNow(context.Background(), first.Identity)
	require.Error(t, err)
	assert.Equal(t, 2, f.sched.Status(first.Identity).AuthFailures)

	f.clock.Advance(time.Minute)
	second := session(mailboxConfig("user@example.com", "still-wrong"), "t2", f.clock.Now())
	f.sched.Touch(second)
	assert.Equal(t, 0, f.sched.Status(second.Identity).AuthFailures)

	_, err = f.sched.PollNow(context.Background(), second.Identity)
	assert.True(t, errors.Is(err, mailbox.ErrUnauthenticated), "got %v", err)
	st := f.sched.Status(second.Identity)
	assert.Equal(t, 1, st.AuthFailures)
	assert.Equal(t, StateActive, st.State)
}

func TestSlowCycleIsAbandoned(t *testing.T) {
	f := newFixture(t, Config{CycleTimeout: 30 * time.Millisecond})
	f.server.AddAccount("slow@example.com", "pw")
	f.server.SetLatency(150 * time.Millisecond)
	sess := session(mailboxConfig("slow@example.com", "pw"), "t1", f.clock.Now())
	f.sched.Watch(sess.Identity, "Archive")
	f.sched.Touch(sess)
	f.waitCycles(t, sess.Identity)

	_, err := f.sched.PollNow(context.Background(), sess.Identity)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mailbox.ErrProtocolTransient), "got %v", err)

	_, ok := f.cache.Snapshot(sess.Identity, mailbox.Inbox)
	assert.False(t, ok, "abandoned cycle must not touch the cache")
	assert.Equal(t, StateActive, f.sched.Status(sess.Identity).State)
}

func TestTransientFailureKeepsState(t *testing.T) {
	f := newFixture(t, Config{})
	f.server.AddAccount("user@example.com", "pw")
	sess := session(mailboxConfig("user@example.com", "pw"), "t1", f.clock.Now())
	f.sched.Touch(sess)
	f.waitCycles(t, sess.Identity)

	f.server.SetDialError(&remote.Error{Op: "imap connect", Kind: remote.KindConnection, Err: io.ErrUnexpectedEOF})
	for i := 0; i < 5; i++ {
		_, err := f.sched.PollNow(context.Background(), sess.Identity)
		assert.True(t, errors.Is(err, mailbox.ErrUnreachable), "got %v", err)
	}
	st := f.sched.Status(sess.Identity)
	assert.Equal(t, StateActive, st.State)
	assert.Zero(t, st.AuthFailures)

	_, ok := f.cache.Snapshot(sess.Identity, mailbox.Inbox)
	assert.True(t, ok)

	f.server.SetDialError(nil)
	events, err := f.sched.PollNow(context.Background(), sess.Identity)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPollNowUnknownMailbox(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.sched.PollNow(context.Background(), mailbox.Identity("nobody"))
	assert.True(t, errors.Is(err, mailbox.ErrInvalidRequest))
}
