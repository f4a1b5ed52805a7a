// Package service implements the on-demand mailbox operations served by the
// API. Every operation opens the caller's session from its token, records the
// activity with the scheduler and the cache, talks to the provider through
// the remote adapter and reports failures with the mailbox error taxonomy.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.io/infrasutra/mailbridge/internal/auth"
	"github.io/infrasutra/mailbridge/internal/cache"
	"github.io/infrasutra/mailbridge/internal/hub"
	"github.io/infrasutra/mailbridge/internal/mailbox"
	"github.io/infrasutra/mailbridge/internal/pagination"
	"github.io/infrasutra/mailbridge/internal/remote"
	"github.io/infrasutra/mailbridge/internal/scheduler"
)

type Service struct {
	sealer *auth.Sealer
	dialer remote.Dialer
	sender remote.Sender
	cache  *cache.Cache
	sched  *scheduler.Scheduler
	hub    *hub.Hub
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now for token handling.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(sealer *auth.Sealer, dialer remote.Dialer, sender remote.Sender, c *cache.Cache, sched *scheduler.Scheduler, h *hub.Hub, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		sealer: sealer,
		dialer: dialer,
		sender: sender,
		cache:  c,
		sched:  sched,
		hub:    h,
		logger: logger.With("component", "service"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configured is the result of sealing a mailbox configuration.
type Configured struct {
	Token     string           `json:"token"`
	Mailbox   mailbox.Identity `json:"mailbox"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// Configure validates cfg and seals it into a token. The provider is not
// contacted.
func (s *Service) Configure(cfg mailbox.Config) (*Configured, error) {
	const op = "configure mailbox"
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, mailbox.E(mailbox.KindInvalidRequest, op, err)
	}
	now := s.now()
	token, err := s.sealer.Seal(cfg, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Configured{
		Token:     token,
		Mailbox:   mailbox.IdentityOf(cfg),
		ExpiresAt: now.Add(s.sealer.TTL()),
	}, nil
}

// open unseals token and records the request activity.
func (s *Service) open(token string) (*auth.Session, error) {
	sess, err := s.sealer.Open(token, s.now())
	if err != nil {
		return nil, err
	}
	s.sched.Touch(sess)
	s.cache.Touch(sess.Identity)
	return sess, nil
}

// withClient opens the session for token, dials the mailbox and runs fn.
// Adapter failures are mapped to the mailbox error taxonomy under op.
func (s *Service) withClient(ctx context.Context, token, op string, fn func(*auth.Session, remote.Client) error) error {
	sess, err := s.open(token)
	if err != nil {
		return err
	}
	client, err := s.dialer.Dial(ctx, sess.Config)
	if err != nil {
		s.logger.Warn("mailbox connection failed", "op", op, "mailbox", sess.Identity.Short(), "error", err)
		return remote.Wrap(op, remote.DialFailure("imap connect", err))
	}
	defer client.Close()
	if err := fn(sess, client); err != nil {
		return remote.Wrap(op, err)
	}
	return nil
}

// resolve maps a requested folder, possibly a logical name, to the server's
// folder.
func resolve(ctx context.Context, client remote.Client, name string) (string, error) {
	name = strings.TrimSpace(name)
	if !mailbox.IsLogical(name) {
		return mailbox.ResolveFolder(name, nil), nil
	}
	folders, err := client.ListFolders(ctx)
	if err != nil {
		return "", err
	}
	return mailbox.ResolveFolder(name, folders), nil
}

// Validate checks that the mailbox in token accepts both IMAP and SMTP logins.
func (s *Service) Validate(ctx context.Context, token string) (mailbox.Identity, error) {
	const op = "validate mailbox"
	var id mailbox.Identity
	err := s.withClient(ctx, token, op, func(sess *auth.Session, client remote.Client) error {
		id = sess.Identity
		if _, err := client.Status(ctx, mailbox.Inbox); err != nil {
			return err
		}
		return s.sender.Verify(ctx, sess.Config)
	})
	return id, err
}

func (s *Service) ListFolders(ctx context.Context, token string) ([]mailbox.Folder, error) {
	var folders []mailbox.Folder
	err := s.withClient(ctx, token, "list folders", func(_ *auth.Session, client remote.Client) error {
		var err error
		folders, err = client.ListFolders(ctx)
		return err
	})
	return folders, err
}

// MessagePage is one page of a folder's messages.
type MessagePage struct {
	Folder   string             `json:"folder"`
	Messages []mailbox.Envelope `json:"messages"`
	Page     int                `json:"page"`
	Limit    int                `json:"limit"`
	Total    int                `json:"total"`
	Unread   int                `json:"unread"`
	HasNext  bool               `json:"hasNext"`
}

// ListMessages lists one page of folder. The full UID listing is fed to the
// cache, so the request itself publishes any deltas it uncovers; headers are
// fetched only for the page.
func (s *Service) ListMessages(ctx context.Context, token, folder string, params *pagination.Params) (*MessagePage, error) {
	page := &MessagePage{Page: params.Page, Limit: params.Limit, Messages: []mailbox.Envelope{}}
	err := s.withClient(ctx, token, "list messages", func(sess *auth.Session, client remote.Client) error {
		name, err := resolve(ctx, client, folder)
		if err != nil {
			return err
		}
		listing, err := client.ListFolder(ctx, name)
		if err != nil {
			return err
		}
		s.observe(sess.Identity, name, listing)

		window, more := params.Slice(listing.UIDs())
		page.Folder = name
		page.Total = len(listing.Flags)
		page.Unread = listing.Unread()
		page.HasNext = more

		if len(window) == 0 {
			return nil
		}
		envelopes, err := client.FetchHeaders(ctx, name, window)
		if err != nil {
			return err
		}
		page.Messages = inOrder(envelopes, window)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// observe feeds a listing obtained on the request path to the cache. An
// inconsistent listing is logged and otherwise ignored; it never fails the
// request.
func (s *Service) observe(id mailbox.Identity, folder string, listing mailbox.Listing) {
	if _, err := s.cache.Apply(id, folder, listing, s.publish); err != nil {
		s.logger.Warn("listing not applied", "mailbox", id.Short(), "folder", folder, "error", err)
	}
}

func (s *Service) publish(events []mailbox.Event) {
	s.hub.Publish(events...)
}

// inOrder returns envelopes arranged in the order of uids, skipping UIDs the
// server no longer has.
func inOrder(envelopes []mailbox.Envelope, uids []mailbox.UID) []mailbox.Envelope {
	byUID := make(map[mailbox.UID]mailbox.Envelope, len(envelopes))
	for _, e := range envelopes {
		byUID[e.UID] = e
	}
	out := make([]mailbox.Envelope, 0, len(uids))
	for _, uid := range uids {
		if e, ok := byUID[uid]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *Service) GetMessage(ctx context.Context, token, folder string, uid mailbox.UID) (*mailbox.Message, error) {
	var msg *mailbox.Message
	err := s.withClient(ctx, token, "get message", func(_ *auth.Session, client remote.Client) error {
		name, err := resolve(ctx, client, folder)
		if err != nil {
			return err
		}
		msg, err = client.FetchBody(ctx, name, uid)
		return err
	})
	return msg, err
}

// GetAttachment returns the attachment at index of message uid, data
// included.
func (s *Service) GetAttachment(ctx context.Context, token, folder string, uid mailbox.UID, index int) (*mailbox.Attachment, error) {
	const op = "get attachment"
	msg, err := s.GetMessage(ctx, token, folder, uid)
	if err != nil {
		return nil, err
	}
	for i := range msg.Attachments {
		if msg.Attachments[i].Index == index {
			return &msg.Attachments[i], nil
		}
	}
	return nil, mailbox.Errorf(mailbox.KindNotFound, op, "message %d has no attachment %d", uid, index)
}

// Search returns the headers of the messages in folder matching q, newest
// first and capped at pagination.MaxLimit.
func (s *Service) Search(ctx context.Context, token, folder string, q remote.Query) ([]mailbox.Envelope, error) {
	const op = "search"
	if q == (remote.Query{}) {
		return nil, mailbox.Errorf(mailbox.KindInvalidRequest, op, "empty query")
	}
	out := []mailbox.Envelope{}
	err := s.withClient(ctx, token, op, func(_ *auth.Session, client remote.Client) error {
		name, err := resolve(ctx, client, folder)
		if err != nil {
			return err
		}
		uids, err := client.Search(ctx, name, q)
		if err != nil {
			return err
		}
		uids = pagination.Sort(uids, pagination.Newest)
		if len(uids) > pagination.MaxLimit {
			uids = uids[:pagination.MaxLimit]
		}
		if len(uids) == 0 {
			return nil
		}
		envelopes, err := client.FetchHeaders(ctx, name, uids)
		if err != nil {
			return err
		}
		out = inOrder(envelopes, uids)
		return nil
	})
	return out, err
}

// UnreadCount is the unread summary of one folder.
type UnreadCount struct {
	Folder string `json:"folder"`
	Unread int    `json:"unread"`
	// Cached is set when the count comes from the last poll rather than the
	// server.
	Cached bool `json:"cached"`
}

// UnreadCount answers from the cache when the folder is being polled and
// asks the server otherwise.
func (s *Service) UnreadCount(ctx context.Context, token, folder string) (*UnreadCount, error) {
	sess, err := s.open(token)
	if err != nil {
		return nil, err
	}
	if !mailbox.IsLogical(folder) {
		name := mailbox.ResolveFolder(folder, nil)
		if st, ok := s.cache.Snapshot(sess.Identity, name); ok {
			return &UnreadCount{Folder: name, Unread: st.Unread, Cached: true}, nil
		}
	}

	out := &UnreadCount{}
	err = s.withClient(ctx, token, "unread count", func(_ *auth.Session, client remote.Client) error {
		name, err := resolve(ctx, client, folder)
		if err != nil {
			return err
		}
		st, err := client.Status(ctx, name)
		if err != nil {
			return err
		}
		out.Folder, out.Unread = name, st.Unread
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) MarkRead(ctx context.Context, token, folder string, uids ...mailbox.UID) error {
	return s.setFlags(ctx, token, "mark read", folder, uids, mailbox.FlagSeen, true)
}

func (s *Service) MarkUnread(ctx context.Context, token, folder string, uids ...mailbox.UID) error {
	return s.setFlags(ctx, token, "mark unread", folder, uids, mailbox.FlagSeen, false)
}

func (s *Service) Star(ctx context.Context, token, folder string, uids ...mailbox.UID) error {
	return s.setFlags(ctx, token, "star", folder, uids, mailbox.FlagFlagged, true)
}

func (s *Service) Unstar(ctx context.Context, token, folder string, uids ...mailbox.UID) error {
	return s.setFlags(ctx, token, "unstar", folder, uids, mailbox.FlagFlagged, false)
}

func (s *Service) setFlags(ctx context.Context, token, op, folder string, uids []mailbox.UID, flag string, add bool) error {
	if len(uids) == 0 {
		return mailbox.Errorf(mailbox.KindInvalidRequest, op, "no messages given")
	}
	return s.withClient(ctx, token, op, func(_ *auth.Session, client remote.Client) error {
		name, err := resolve(ctx, client, folder)
		if err != nil {
			return err
		}
		return client.SetFlags(ctx, name, uids, []string{flag}, add)
	})
}

// Delete moves uids to the trash, or removes them for good when folder is the
// trash itself. It reports whether the removal was permanent.
func (s *Service) Delete(ctx context.Context, token, folder string, uids ...mailbox.UID) (bool, error) {
	const op = "delete messages"
	if len(uids) == 0 {
		return false, mailbox.Errorf(mailbox.KindInvalidRequest, op, "no messages given")
	}
	var permanent bool
	err := s.withClient(ctx, token, op, func(sess *auth.Session, client remote.Client) error {
		name, err := resolve(ctx, client, folder)
		if err != nil {
			return err
		}
		trash, err := resolve(ctx, client, mailbox.FolderTrash)
		if err != nil {
			return err
		}
		s.cache.ExpectRemoval(sess.Identity, name, uids)
		if name == trash {
			permanent = true
			return client.Delete(ctx, name, uids)
		}
		return client.Move(ctx, name, uids, trash)
	})
	return permanent, err
}

// Move moves uids from folder to dest.
func (s *Service) Move(ctx context.Context, token, folder, dest string, uids ...mailbox.UID) error {
	const op = "move messages"
	if len(uids) == 0 {
		return mailbox.Errorf(mailbox.KindInvalidRequest, op, "no messages given")
	}
	if strings.TrimSpace(dest) == "" {
		return mailbox.Errorf(mailbox.KindInvalidRequest, op, "destination folder required")
	}
	return s.move(ctx, token, op, folder, dest, uids)
}

func (s *Service) Archive(ctx context.Context, token, folder string, uids ...mailbox.UID) error {
	const op = "archive messages"
	if len(uids) == 0 {
		return mailbox.Errorf(mailbox.KindInvalidRequest, op, "no messages given")
	}
	return s.move(ctx, token, op, folder, mailbox.FolderArchive, uids)
}

func (s *Service) move(ctx context.Context, token, op, folder, dest string, uids []mailbox.UID) error {
	return s.withClient(ctx, token, op, func(sess *auth.Session, client remote.Client) error {
		from, err := resolve(ctx, client, folder)
		if err != nil {
			return err
		}
		to, err := resolve(ctx, client, dest)
		if err != nil {
			return err
		}
		if from == to {
			return mailbox.Errorf(mailbox.KindInvalidRequest, op, "message is already in %q", to)
		}
		s.cache.ExpectRemoval(sess.Identity, from, uids)
		return client.Move(ctx, from, uids, to)
	})
}

// EmptyTrash permanently removes every message in the trash and returns how
// many were removed.
func (s *Service) EmptyTrash(ctx context.Context, token string) (int, error) {
	var n int
	err := s.withClient(ctx, token, "empty trash", func(sess *auth.Session, client remote.Client) error {
		trash, err := resolve(ctx, client, mailbox.FolderTrash)
		if err != nil {
			return err
		}
		listing, err := client.ListFolder(ctx, trash)
		if err != nil {
			return err
		}
		uids := listing.UIDs()
		if len(uids) == 0 {
			return nil
		}
		s.cache.ExpectRemoval(sess.Identity, trash, uids)
		if err := client.Delete(ctx, trash, uids); err != nil {
			return err
		}
		n = len(uids)
		return nil
	})
	return n, err
}

// fillSender sets the From address of m from the session. A display name
// already on m wins over the configured one.
func (s *Service) fillSender(sess *auth.Session, m *remote.Outgoing) {
	m.From.Address = sess.Config.Email
	if m.From.Name == "" {
		m.From.Name = sess.Config.DisplayName
	}
	if m.Date.IsZero() {
		m.Date = s.now()
	}
}

// SaveDraft appends m to the drafts folder.
func (s *Service) SaveDraft(ctx context.Context, token string, m remote.Outgoing) (string, error) {
	const op = "save draft"
	var folder string
	err := s.withClient(ctx, token, op, func(sess *auth.Session, client remote.Client) error {
		s.fillSender(sess, &m)
		raw, err := remote.ComposeDraft(m)
		if err != nil {
			return mailbox.E(mailbox.KindInvalidRequest, op, err)
		}
		folder, err = resolve(ctx, client, mailbox.FolderDrafts)
		if err != nil {
			return err
		}
		return client.Append(ctx, folder, raw, []string{mailbox.FlagDraft, mailbox.FlagSeen})
	})
	return folder, err
}

// Sent is the outcome of Send.
type Sent struct {
	Recipients []string `json:"recipients"`
	// SavedTo is the folder the copy was appended to, empty when saving the
	// copy failed after delivery.
	SavedTo string `json:"savedTo,omitempty"`
}

// Send composes m, submits it over SMTP and appends a copy to the sent
// folder marked \Seen. A failure to save the copy does not fail the send.
func (s *Service) Send(ctx context.Context, token string, m remote.Outgoing) (*Sent, error) {
	const op = "send message"
	sess, err := s.open(token)
	if err != nil {
		return nil, err
	}
	s.fillSender(sess, &m)
	raw, err := remote.Compose(m)
	if err != nil {
		return nil, mailbox.E(mailbox.KindInvalidRequest, op, err)
	}
	rcpts := m.Recipients()
	if err := s.sender.Send(ctx, sess.Config, m.From.Address, rcpts, raw); err != nil {
		s.logger.Warn("send failed", "mailbox", sess.Identity.Short(), "error", err)
		return nil, remote.Wrap(op, err)
	}
	out := &Sent{Recipients: rcpts}

	err = s.withClient(ctx, token, "save sent copy", func(_ *auth.Session, client remote.Client) error {
		folder, err := resolve(ctx, client, mailbox.FolderSent)
		if err != nil {
			return err
		}
		if err := client.Append(ctx, folder, raw, []string{mailbox.FlagSeen}); err != nil {
			return err
		}
		out.SavedTo = folder
		return nil
	})
	if err != nil {
		s.logger.Warn("sent copy not saved", "mailbox", sess.Identity.Short(), "error", err)
	}
	return out, nil
}

// CheckResult reports an on-demand poll.
type CheckResult struct {
	Mailbox mailbox.Identity `json:"mailbox"`
	Events  []mailbox.Event  `json:"events"`
	Unread  int              `json:"unread"`
	Status  scheduler.Status `json:"status"`
}

// Check polls the token's mailbox now. The events are published like those
// of a scheduled cycle.
func (s *Service) Check(ctx context.Context, token string) (*CheckResult, error) {
	sess, err := s.open(token)
	if err != nil {
		return nil, err
	}
	events, err := s.sched.PollNow(ctx, sess.Identity)
	if err != nil {
		return nil, err
	}
	out := &CheckResult{Mailbox: sess.Identity, Events: events, Status: s.sched.Status(sess.Identity)}
	if out.Events == nil {
		out.Events = []mailbox.Event{}
	}
	if st, ok := s.cache.Snapshot(sess.Identity, mailbox.Inbox); ok {
		out.Unread = st.Unread
	}
	return out, nil
}

// Subscribe opens every token and registers ch for each mailbox. If any
// token fails to open nothing is registered and the error names the failing
// token by position. folders are added to the polled set of every mailbox.
func (s *Service) Subscribe(ch hub.Channel, tokens []string, folders ...string) ([]mailbox.Identity, func(), error) {
	const op = "subscribe"
	if len(tokens) == 0 {
		return nil, nil, mailbox.Errorf(mailbox.KindInvalidRequest, op, "at least one token required")
	}
	now := s.now()
	sessions := make([]*auth.Session, 0, len(tokens))
	for i, token := range tokens {
		sess, err := s.sealer.Open(token, now)
		if err != nil {
			var me *mailbox.Error
			if errors.As(err, &me) {
				return nil, nil, mailbox.E(me.Kind, op, fmt.Errorf("token %d: %w", i, err))
			}
			return nil, nil, fmt.Errorf("%s: token %d: %w", op, i, err)
		}
		sessions = append(sessions, sess)
	}

	var ids []mailbox.Identity
	var unsubscribes []func()
	for _, sess := range sessions {
		if slices.Contains(ids, sess.Identity) {
			continue
		}
		for _, folder := range folders {
			if folder = strings.TrimSpace(folder); folder != "" && !mailbox.IsLogical(folder) {
				s.sched.Watch(sess.Identity, folder)
			}
		}
		s.sched.Touch(sess)
		s.cache.Touch(sess.Identity)
		unsubscribes = append(unsubscribes, s.hub.Subscribe(sess.Identity, ch))
		ids = append(ids, sess.Identity)
	}
	s.logger.Info("channel subscribed", "channel", ch.ID(), "mailboxes", len(ids))
	return ids, func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}, nil
}
