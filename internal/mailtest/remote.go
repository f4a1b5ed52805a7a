// Package mailtest provides in-process stand-ins for the mailbox provider:
// an in-memory IMAP-like store implementing the remote interfaces, and a
// capturing SMTP submission server.
package mailtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.io/infrasutra/mailbridge/internal/mailbox"
	"github.io/infrasutra/mailbridge/internal/remote"
)

// Default folders created for every account, with their special-use
// attribute.
var defaultFolders = []mailbox.Folder{
	{Name: mailbox.Inbox, Delimiter: "/"},
	{Name: "Sent", Delimiter: "/", SpecialUse: `\Sent`, Attributes: []string{`\Sent`}},
	{Name: "Drafts", Delimiter: "/", SpecialUse: `\Drafts`, Attributes: []string{`\Drafts`}},
	{Name: "Trash", Delimiter: "/", SpecialUse: `\Trash`, Attributes: []string{`\Trash`}},
	{Name: "Archive", Delimiter: "/", SpecialUse: `\Archive`, Attributes: []string{`\Archive`}},
}

// Server is an in-memory mailbox provider. It implements remote.Dialer and
// remote.Sender. All methods are safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	accounts map[string]*account
	dialErr  error
	latency  time.Duration
	dials    int
	sent     []Delivery
}

type account struct {
	password string
	folders  map[string]*folder
	order    []string
}

type folder struct {
	info    mailbox.Folder
	uidNext mailbox.UID
	msgs    map[mailbox.UID]*storedMessage
}

type storedMessage struct {
	flags mailbox.Flags
	raw   []byte
	added time.Time
}

var (
	_ remote.Dialer = (*Server)(nil)
	_ remote.Sender = (*Server)(nil)
)

func NewServer() *Server {
	return &Server{accounts: map[string]*account{}}
}

// AddAccount creates login with the default folder set.
func (s *Server) AddAccount(login, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := &account{password: password, folders: map[string]*folder{}}
	for _, f := range defaultFolders {
		acct.folders[f.Name] = &folder{info: f, uidNext: 1, msgs: map[mailbox.UID]*storedMessage{}}
		acct.order = append(acct.order, f.Name)
	}
	s.accounts[strings.ToLower(login)] = acct
}

// SetPassword changes the password the server accepts for login.
func (s *Server) SetPassword(login, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[strings.ToLower(login)]; ok {
		acct.password = password
	}
}

// SetDialError makes every Dial fail with err until cleared with nil.
func (s *Server) SetDialError(err error) {
	s.mu.Lock()
	s.dialErr = err
	s.mu.Unlock()
}

// SetLatency delays every folder listing by d, ignoring cancellation.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// Dials returns how many connections have been opened.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Deliver stores raw in folder as if it arrived remotely and returns its UID.
func (s *Server) Deliver(login, folderName string, raw []byte, flags ...string) mailbox.UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.accounts[strings.ToLower(login)].folders[folderName]
	return f.add(raw, mailbox.NewFlags(flags...))
}

// SetFlags replaces the flags of uid, simulating another client.
func (s *Server) SetFlags(login, folderName string, uid mailbox.UID, flags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.accounts[strings.ToLower(login)].folders[folderName].msgs[uid]; ok {
		m.flags = mailbox.NewFlags(flags...)
	}
}

// Expunge removes uid, simulating another client.
func (s *Server) Expunge(login, folderName string, uid mailbox.UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts[strings.ToLower(login)].folders[folderName].msgs, uid)
}

// UIDs lists the UIDs currently in folder.
func (s *Server) UIDs(login, folderName string) []mailbox.UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[strings.ToLower(login)].folders[folderName].listing().UIDs()
}

// Flags returns the flags of uid.
func (s *Server) Flags(login, folderName string, uid mailbox.UID) mailbox.Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.accounts[strings.ToLower(login)].folders[folderName].msgs[uid]; ok {
		return slices.Clone(m.flags)
	}
	return nil
}

// Sent returns every message submitted through Send.
func (s *Server) Sent() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

func (f *folder) add(raw []byte, flags mailbox.Flags) mailbox.UID {
	uid := f.uidNext
	f.uidNext++
	f.msgs[uid] = &storedMessage{flags: flags, raw: raw, added: time.Now()}
	return uid
}

func (f *folder) listing() mailbox.Listing {
	l := mailbox.Listing{Folder: f.info.Name, Flags: make(map[mailbox.UID]mailbox.Flags, len(f.msgs))}
	for uid, m := range f.msgs {
		l.Flags[uid] = slices.Clone(m.flags)
	}
	return l
}

func (s *Server) authenticate(op string, cfg mailbox.Config) (*account, error) {
	acct, ok := s.accounts[strings.ToLower(cfg.Login())]
	if !ok || acct.password != cfg.Password {
		return nil, &remote.Error{Op: op, Kind: remote.KindAuth, Err: errors.New("authentication failed")}
	}
	return acct, nil
}

func (s *Server) Dial(ctx context.Context, cfg mailbox.Config) (remote.Client, error) {
	const op = "imap connect"
	if err := ctx.Err(); err != nil {
		return nil, &remote.Error{Op: op, Kind: remote.KindTimeout, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	acct, err := s.authenticate(op, cfg)
	if err != nil {
		return nil, err
	}
	return &client{server: s, acct: acct}, nil
}

func (s *Server) Send(ctx context.Context, cfg mailbox.Config, from string, rcpts []string, raw []byte) error {
	if err := s.Verify(ctx, cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Delivery{From: from, To: slices.Clone(rcpts), Raw: slices.Clone(raw)})
	return nil
}

func (s *Server) Verify(ctx context.Context, cfg mailbox.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return s.dialErr
	}
	_, err := s.authenticate("smtp connect", cfg)
	return err
}

type client struct {
	server *Server
	acct   *account
	closed bool
}

func (c *client) folder(op, name string) (*folder, error) {
	if c.closed {
		return nil, &remote.Error{Op: op, Kind: remote.KindConnection, Err: errors.New("connection closed")}
	}
	f, ok := c.acct.folders[name]
	if !ok {
		return nil, &remote.Error{Op: op, Kind: remote.KindProtocol, Err: fmt.Errorf("no such folder %q", name)}
	}
	return f, nil
}

func (c *client) ListFolders(_ context.Context) ([]mailbox.Folder, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	out := make([]mailbox.Folder, 0, len(c.acct.order))
	for _, name := range c.acct.order {
		out = append(out, c.acct.folders[name].info)
	}
	return out, nil
}

func (c *client) Status(_ context.Context, name string) (mailbox.FolderStatus, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	f, err := c.folder("folder status", name)
	if err != nil {
		return mailbox.FolderStatus{}, err
	}
	l := f.listing()
	return mailbox.FolderStatus{Folder: name, Messages: len(l.Flags), Unread: l.Unread(), UIDNext: f.uidNext}, nil
}

func (c *client) ListFolder(_ context.Context, name string) (mailbox.Listing, error) {
	c.server.mu.Lock()
	latency := c.server.latency
	c.server.mu.Unlock()
	if latency > 0 {
		time.Sleep(latency)
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	f, err := c.folder("list folder", name)
	if err != nil {
		return mailbox.Listing{}, err
	}
	return f.listing(), nil
}

func (c *client) FetchHeaders(_ context.Context, name string, uids []mailbox.UID) ([]mailbox.Envelope, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	f, err := c.folder("fetch headers", name)
	if err != nil {
		return nil, err
	}
	var out []mailbox.Envelope
	for _, uid := range uids {
		m, ok := f.msgs[uid]
		if !ok {
			continue
		}
		out = append(out, m.envelope(uid))
	}
	return out, nil
}

func (m *storedMessage) envelope(uid mailbox.UID) mailbox.Envelope {
	parsed, _ := remote.ParseMessage(m.raw)
	env := parsed.Envelope
	env.UID = uid
	env.Flags = slices.Clone(m.flags)
	env.Size = int64(len(m.raw))
	if env.Date.IsZero() {
		env.Date = m.added
	}
	return env
}

func (c *client) FetchBody(_ context.Context, name string, uid mailbox.UID) (*mailbox.Message, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	f, err := c.folder("fetch body", name)
	if err != nil {
		return nil, err
	}
	m, ok := f.msgs[uid]
	if !ok {
		return nil, &remote.Error{Op: "fetch body", Kind: remote.KindProtocol, Err: fmt.Errorf("uid %d: %w", uid, remote.ErrNoSuchMessage)}
	}
	msg, err := remote.ParseMessage(m.raw)
	if err != nil {
		return nil, &remote.Error{Op: "fetch body", Kind: remote.KindProtocol, Err: err}
	}
	msg.Envelope = m.envelope(uid)
	return msg, nil
}

func (c *client) Search(_ context.Context, name string, q remote.Query) ([]mailbox.UID, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	f, err := c.folder("search", name)
	if err != nil {
		return nil, err
	}
	var out []mailbox.UID
	for _, uid := range f.listing().UIDs() {
		m := f.msgs[uid]
		if q.UnreadOnly && m.flags.Has(mailbox.FlagSeen) {
			continue
		}
		if q.Text != "" && !bytes.Contains(bytes.ToLower(m.raw), bytes.ToLower([]byte(q.Text))) {
			continue
		}
		env := m.envelope(uid)
		if q.Subject != "" && !containsFold(env.Subject, q.Subject) {
			continue
		}
		if q.From != "" && !slices.ContainsFunc(env.From, func(a mailbox.Address) bool {
			return containsFold(a.Address, q.From) || containsFold(a.Name, q.From)
		}) {
			continue
		}
		out = append(out, uid)
	}
	return out, nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func (c *client) SetFlags(_ context.Context, name string, uids []mailbox.UID, flags []string, add bool) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	f, err := c.folder("store flags", name)
	if err != nil {
		return err
	}
	for _, uid := range uids {
		m, ok := f.msgs[uid]
		if !ok {
			continue
		}
		if add {
			m.flags = mailbox.NewFlags(append(slices.Clone(m.flags), flags...)...)
			continue
		}
		m.flags = mailbox.NewFlags(slices.DeleteFunc(slices.Clone(m.flags), func(existing string) bool {
			return slices.Contains(flags, existing)
		})...)
	}
	return nil
}

func (c *client) Append(_ context.Context, name string, raw []byte, flags []string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	f, err := c.folder("append", name)
	if err != nil {
		return err
	}
	f.add(slices.Clone(raw), mailbox.NewFlags(flags...))
	return nil
}

func (c *client) Move(_ context.Context, name string, uids []mailbox.UID, dest string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	src, err := c.folder("move", name)
	if err != nil {
		return err
	}
	dst, err := c.folder("move", dest)
	if err != nil {
		return err
	}
	for _, uid := range uids {
		m, ok := src.msgs[uid]
		if !ok {
			continue
		}
		delete(src.msgs, uid)
		dst.add(m.raw, m.flags)
	}
	return nil
}

func (c *client) Delete(_ context.Context, name string, uids []mailbox.UID) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	f, err := c.folder("delete", name)
	if err != nil {
		return err
	}
	for _, uid := range uids {
		delete(f.msgs, uid)
	}
	return nil
}

func (c *client) Close() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	c.closed = true
	return nil
}

// Message builds a small plain-text message suitable for Deliver.
func Message(from, to, subject, body string) []byte {
	raw, err := remote.Compose(remote.Outgoing{
		From:    mailbox.Address{Address: from},
		To:      []mailbox.Address{{Address: to}},
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		panic(fmt.Sprintf("mailtest: compose message: %v", err))
	}
	return raw
}
