// Package cache holds the per-mailbox folder summaries and turns successive
// folder listings into ordered delta events.
package cache

import (
	"crypto/sha256"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.io/infrasutra/mailbridge/internal/mailbox"
)

// expectTTL bounds how long a locally issued removal is remembered when the
// server never reports it.
const expectTTL = 10 * time.Minute

// Digest is an order-independent hash of a folder's UID to flags mapping.
type Digest [sha256.Size]byte

// FolderState is the last observed summary of one folder.
type FolderState struct {
	Folder     string
	HighestUID mailbox.UID
	Unread     int
	Digest     Digest
	Flags      map[mailbox.UID]mailbox.Flags
	UpdatedAt  time.Time
}

// Cache owns every FolderState, keyed by mailbox identity. Each identity has
// its own lock; unrelated mailboxes never contend.
type Cache struct {
	entries sync.Map // mailbox.Identity -> *entry
	logger  *slog.Logger
	now     func() time.Time
}

type entry struct {
	mu        sync.Mutex
	dead      bool
	folders   map[string]*FolderState
	expected  map[string]map[mailbox.UID]time.Time
	lastTouch time.Time
}

type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lock returns the locked entry for id, creating it if needed. An entry
// removed by a concurrent sweep is never handed out.
func (c *Cache) lock(id mailbox.Identity) *entry {
	for {
		v, _ := c.entries.LoadOrStore(id, &entry{
			folders:   map[string]*FolderState{},
			expected:  map[string]map[mailbox.UID]time.Time{},
			lastTouch: c.now(),
		})
		e := v.(*entry)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// Touch records request activity for id.
func (c *Cache) Touch(id mailbox.Identity) {
	e := c.lock(id)
	e.lastTouch = c.now()
	e.mu.Unlock()
}

// Apply diffs listing against the stored state of (id, folder), replaces the
// state and hands the resulting events to emit while still holding the
// identity's lock, so events reach emit in the order they were produced. The
// first listing for a folder only records a baseline. A partial listing
// leaves the state untouched and returns an internal_cache_inconsistency
// error.
func (c *Cache) Apply(id mailbox.Identity, folder string, listing mailbox.Listing, emit func([]mailbox.Event)) ([]mailbox.Event, error) {
	if err := validate(folder, listing); err != nil {
		c.logger.Warn("cache inconsistency", "mailbox", id.Short(), "folder", folder, "error", err)
		return nil, err
	}

	e := c.lock(id)
	defer e.mu.Unlock()

	now := c.now()
	next := newState(folder, listing, now)
	prev, ok := e.folders[folder]
	e.folders[folder] = next
	if !ok {
		c.logger.Debug("cache baseline", "mailbox", id.Short(), "folder", folder, "messages", len(next.Flags), "unread", next.Unread)
		return nil, nil
	}

	events := diff(prev, next, e.takeExpected(folder, next, now))
	// UIDs are never reused, so the high-water mark survives removals.
	next.HighestUID = max(next.HighestUID, prev.HighestUID)
	for i := range events {
		events[i].Mailbox = id
		events[i].Folder = folder
	}
	if len(events) > 0 && emit != nil {
		emit(events)
	}
	return events, nil
}

func validate(folder string, listing mailbox.Listing) error {
	const op = "apply listing"
	if listing.Partial {
		return mailbox.Errorf(mailbox.KindCacheInconsistency, op, "partial listing for %q", folder)
	}
	if listing.Folder != "" && listing.Folder != folder {
		return mailbox.Errorf(mailbox.KindCacheInconsistency, op, "listing for %q applied to %q", listing.Folder, folder)
	}
	if _, ok := listing.Flags[0]; ok {
		return mailbox.Errorf(mailbox.KindCacheInconsistency, op, "listing for %q contains uid 0", folder)
	}
	return nil
}

// ExpectRemoval marks uids as removed by this server, so their absence from
// the next listing is not reported.
func (c *Cache) ExpectRemoval(id mailbox.Identity, folder string, uids []mailbox.UID) {
	if len(uids) == 0 {
		return
	}
	e := c.lock(id)
	defer e.mu.Unlock()
	set, ok := e.expected[folder]
	if !ok {
		set = map[mailbox.UID]time.Time{}
		e.expected[folder] = set
	}
	now := c.now()
	for _, uid := range uids {
		set[uid] = now
	}
}

// takeExpected returns the expected removals that next confirms and forgets
// them along with stale ones.
func (e *entry) takeExpected(folder string, next *FolderState, now time.Time) map[mailbox.UID]struct{} {
	set := e.expected[folder]
	if len(set) == 0 {
		return nil
	}
	confirmed := map[mailbox.UID]struct{}{}
	for uid, at := range set {
		if _, present := next.Flags[uid]; !present {
			confirmed[uid] = struct{}{}
			delete(set, uid)
			continue
		}
		if now.Sub(at) > expectTTL {
			delete(set, uid)
		}
	}
	if len(set) == 0 {
		delete(e.expected, folder)
	}
	return confirmed
}

// Snapshot returns a copy of the state of (id, folder).
func (c *Cache) Snapshot(id mailbox.Identity, folder string) (FolderState, bool) {
	v, ok := c.entries.Load(id)
	if !ok {
		return FolderState{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return FolderState{}, false
	}
	s, ok := e.folders[folder]
	if !ok {
		return FolderState{}, false
	}
	out := *s
	out.Flags = maps.Clone(s.Flags)
	return out, true
}

// Sweep evicts every identity untouched for longer than idle for which
// active reports false, and returns the evicted identities.
func (c *Cache) Sweep(now time.Time, idle time.Duration, active func(mailbox.Identity) bool) []mailbox.Identity {
	var evicted []mailbox.Identity
	c.entries.Range(func(key, value any) bool {
		id := key.(mailbox.Identity)
		e := value.(*entry)
		if active != nil && active(id) {
			return true
		}
		e.mu.Lock()
		if !e.dead && now.Sub(e.lastTouch) > idle {
			e.dead = true
			c.entries.Delete(id)
			evicted = append(evicted, id)
		}
		e.mu.Unlock()
		return true
	})
	if len(evicted) > 0 {
		c.logger.Info("cache evicted idle mailboxes", "count", len(evicted))
	}
	return evicted
}

// Len returns the number of identities with cached state.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func newState(folder string, listing mailbox.Listing, now time.Time) *FolderState {
	s := &FolderState{
		Folder:    folder,
		Flags:     make(map[mailbox.UID]mailbox.Flags, len(listing.Flags)),
		UpdatedAt: now,
	}
	for uid, flags := range listing.Flags {
		flags = mailbox.NewFlags(flags...)
		s.Flags[uid] = flags
		if uid > s.HighestUID {
			s.HighestUID = uid
		}
		if !flags.Has(mailbox.FlagSeen) {
			s.Unread++
		}
		h := uidHash(uid, flags)
		for i := range s.Digest {
			s.Digest[i] ^= h[i]
		}
	}
	return s
}

func uidHash(uid mailbox.UID, flags mailbox.Flags) [sha256.Size]byte {
	buf := strconv.AppendUint(nil, uint64(uid), 10)
	buf = append(buf, '|')
	buf = append(buf, flags.String()...)
	return sha256.Sum256(buf)
}

// diff produces events in the order new messages, count change, flag
// changes, removals.
func diff(prev, next *FolderState, expected map[mailbox.UID]struct{}) []mailbox.Event {
	var events []mailbox.Event

	var added []mailbox.UID
	for uid := range next.Flags {
		if uid > prev.HighestUID {
			added = append(added, uid)
		}
	}
	if len(added) > 0 {
		slices.Sort(added)
		events = append(events, mailbox.Event{
			Kind:    mailbox.EventNewMessages,
			Payload: mailbox.Payload{UIDs: added},
		})
	}

	if prev.Unread != next.Unread {
		previous, current := prev.Unread, next.Unread
		events = append(events, mailbox.Event{
			Kind:    mailbox.EventCountChanged,
			Payload: mailbox.Payload{Previous: &previous, Current: &current},
		})
	}

	var removed []mailbox.UID
	var changed []mailbox.UID
	for uid, flags := range prev.Flags {
		now, ok := next.Flags[uid]
		if !ok {
			if _, local := expected[uid]; !local {
				removed = append(removed, uid)
			}
			continue
		}
		if prev.Digest == next.Digest || flags.Equal(now) {
			continue
		}
		// A read toggle is already covered by the count change.
		if prev.Unread != next.Unread && onlySeenDiffers(flags, now) {
			continue
		}
		changed = append(changed, uid)
	}
	if len(changed) > 0 {
		slices.Sort(changed)
		events = append(events, mailbox.Event{
			Kind:    mailbox.EventFlagsChanged,
			Payload: mailbox.Payload{UIDs: changed},
		})
	}
	if len(removed) > 0 {
		slices.Sort(removed)
		events = append(events, mailbox.Event{
			Kind:    mailbox.EventRemoved,
			Payload: mailbox.Payload{UIDs: removed},
		})
	}
	return events
}

func onlySeenDiffers(a, b mailbox.Flags) bool {
	notSeen := func(f string) bool { return f != mailbox.FlagSeen }
	return slices.Equal(filter(a, notSeen), filter(b, notSeen))
}

func filter(flags mailbox.Flags, keep func(string) bool) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}
