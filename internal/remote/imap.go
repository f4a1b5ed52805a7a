package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.io/infrasutra/mailbridge/internal/mailbox"
)

const defaultDialTimeout = 15 * time.Second

// IMAPDialer dials real IMAP servers with go-imap.
type IMAPDialer struct {
	DialTimeout time.Duration
	// InsecureSkipVerify disables certificate checks; test servers only.
	InsecureSkipVerify bool
	Logger             *slog.Logger
}

func NewIMAPDialer(logger *slog.Logger) *IMAPDialer {
	return &IMAPDialer{DialTimeout: defaultDialTimeout, Logger: logger}
}

func (d *IMAPDialer) Dial(ctx context.Context, cfg mailbox.Config) (Client, error) {
	const op = "imap connect"
	addr := net.JoinHostPort(cfg.IMAP.Host, strconv.Itoa(cfg.IMAP.Port))

	nd := net.Dialer{Timeout: d.DialTimeout}
	if nd.Timeout <= 0 {
		nd.Timeout = defaultDialTimeout
	}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: op, Kind: dialKind(err), Err: err}
	}
	stop := watch(ctx, conn)
	defer stop()

	tlsConfig := &tls.Config{ServerName: cfg.IMAP.Host, InsecureSkipVerify: d.InsecureSkipVerify}
	var client *imapclient.Client
	switch cfg.IMAP.Security {
	case mailbox.SecurityTLS:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, &Error{Op: op, Kind: dialKind(ctxErr(ctx, err)), Err: fmt.Errorf("tls handshake with %s: %w", addr, err)}
		}
		client = imapclient.New(tlsConn, nil)
	case mailbox.SecurityStartTLS:
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			_ = conn.Close()
			return nil, &Error{Op: op, Kind: dialKind(ctxErr(ctx, err)), Err: fmt.Errorf("starttls with %s: %w", addr, err)}
		}
	default:
		client = imapclient.New(conn, nil)
	}

	if err := client.Login(cfg.Login(), cfg.Password).Wait(); err != nil {
		_ = client.Close()
		var imapErr *imap.Error
		if ctx.Err() == nil && errors.As(err, &imapErr) {
			return nil, authError(op, fmt.Errorf("login as %s: %w", cfg.Login(), err))
		}
		return nil, classify(op, ctxErr(ctx, err))
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("imap connected", "addr", addr, "mailbox", mailbox.IdentityOf(cfg).Short())
	return &imapClient{c: client}, nil
}

// dialKind treats everything before login as a connection failure, except
// deadlines.
func dialKind(err error) ErrorKind {
	if k := kindOf(err); k == KindTimeout {
		return k
	}
	return KindConnection
}

type imapClient struct {
	c        *imapclient.Client
	selected string
}

func (c *imapClient) do(ctx context.Context, op string, fn func() error) error {
	stop := watch(ctx, c.c)
	defer stop()
	if err := fn(); err != nil {
		return classify(op, ctxErr(ctx, err))
	}
	return nil
}

func (c *imapClient) selectFolder(folder string) (*imap.SelectData, error) {
	data, err := c.c.Select(folder, nil).Wait()
	if err != nil {
		c.selected = ""
		return nil, fmt.Errorf("select %q: %w", folder, err)
	}
	c.selected = folder
	return data, nil
}

func (c *imapClient) ensureSelected(folder string) error {
	if c.selected == folder {
		return nil
	}
	_, err := c.selectFolder(folder)
	return err
}

func (c *imapClient) ListFolders(ctx context.Context) ([]mailbox.Folder, error) {
	var folders []mailbox.Folder
	err := c.do(ctx, "list folders", func() error {
		list, err := c.c.List("", "*", nil).Collect()
		if err != nil {
			return err
		}
		folders = xslices.Map(list, folderFromList)
		return nil
	})
	return folders, err
}

func folderFromList(d *imap.ListData) mailbox.Folder {
	f := mailbox.Folder{Name: d.Mailbox}
	if d.Delim != 0 {
		f.Delimiter = string(d.Delim)
	}
	for _, attr := range d.Attrs {
		a := string(attr)
		f.Attributes = append(f.Attributes, a)
		if f.SpecialUse == "" && isSpecialUse(attr) {
			f.SpecialUse = a
		}
	}
	return f
}

func isSpecialUse(attr imap.MailboxAttr) bool {
	switch attr {
	case imap.MailboxAttrAll, imap.MailboxAttrArchive, imap.MailboxAttrDrafts,
		imap.MailboxAttrFlagged, imap.MailboxAttrJunk, imap.MailboxAttrSent, imap.MailboxAttrTrash:
		return true
	}
	return false
}

func (c *imapClient) Status(ctx context.Context, folder string) (mailbox.FolderStatus, error) {
	status := mailbox.FolderStatus{Folder: folder}
	err := c.do(ctx, "folder status", func() error {
		data, err := c.c.Status(folder, &imap.StatusOptions{
			NumMessages: true,
			NumUnseen:   true,
			UIDNext:     true,
		}).Wait()
		if err != nil {
			return err
		}
		if data.NumMessages != nil {
			status.Messages = int(*data.NumMessages)
		}
		if data.NumUnseen != nil {
			status.Unread = int(*data.NumUnseen)
		}
		status.UIDNext = mailbox.UID(data.UIDNext)
		return nil
	})
	return status, err
}

func (c *imapClient) ListFolder(ctx context.Context, folder string) (mailbox.Listing, error) {
	listing := mailbox.Listing{Folder: folder, Flags: map[mailbox.UID]mailbox.Flags{}}
	err := c.do(ctx, "list folder", func() error {
		data, err := c.selectFolder(folder)
		if err != nil {
			return err
		}
		if data.NumMessages == 0 {
			return nil
		}

		var all imap.SeqSet
		all.AddRange(1, 0)
		msgs, err := c.c.Fetch(all, &imap.FetchOptions{UID: true, Flags: true}).Collect()
		if err != nil {
			return fmt.Errorf("fetch flags: %w", err)
		}
		for _, msg := range msgs {
			if msg.UID == 0 {
				listing.Partial = true
				continue
			}
			listing.Flags[mailbox.UID(msg.UID)] = flagsOf(msg.Flags)
		}
		return nil
	})
	return listing, err
}

func (c *imapClient) FetchHeaders(ctx context.Context, folder string, uids []mailbox.UID) ([]mailbox.Envelope, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var envelopes []mailbox.Envelope
	err := c.do(ctx, "fetch headers", func() error {
		if err := c.ensureSelected(folder); err != nil {
			return err
		}
		msgs, err := c.c.Fetch(uidSet(uids), &imap.FetchOptions{
			UID:        true,
			Flags:      true,
			Envelope:   true,
			RFC822Size: true,
		}).Collect()
		if err != nil {
			return fmt.Errorf("fetch envelopes: %w", err)
		}
		envelopes = xslices.Map(msgs, envelopeFromBuffer)
		return nil
	})
	return envelopes, err
}

func (c *imapClient) FetchBody(ctx context.Context, folder string, uid mailbox.UID) (*mailbox.Message, error) {
	var msg *mailbox.Message
	err := c.do(ctx, "fetch body", func() error {
		if err := c.ensureSelected(folder); err != nil {
			return err
		}
		section := &imap.FetchItemBodySection{Peek: true}
		msgs, err := c.c.Fetch(uidSet([]mailbox.UID{uid}), &imap.FetchOptions{
			UID:         true,
			Flags:       true,
			Envelope:    true,
			RFC822Size:  true,
			BodySection: []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return fmt.Errorf("fetch message %d: %w", uid, err)
		}
		if len(msgs) == 0 {
			return fmt.Errorf("uid %d in %q: %w", uid, folder, ErrNoSuchMessage)
		}

		raw := msgs[0].FindBodySection(section)
		parsed, err := ParseMessage(raw)
		if err != nil {
			return fmt.Errorf("parse message %d: %w", uid, err)
		}
		parsed.Envelope = envelopeFromBuffer(msgs[0])
		msg = parsed
		return nil
	})
	return msg, err
}

func (c *imapClient) Search(ctx context.Context, folder string, query Query) ([]mailbox.UID, error) {
	var uids []mailbox.UID
	err := c.do(ctx, "search", func() error {
		if err := c.ensureSelected(folder); err != nil {
			return err
		}
		data, err := c.c.UIDSearch(searchCriteria(query), nil).Wait()
		if err != nil {
			return err
		}
		uids = xslices.Map(data.AllUIDs(), func(u imap.UID) mailbox.UID { return mailbox.UID(u) })
		return nil
	})
	return uids, err
}

func searchCriteria(q Query) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if text := strings.TrimSpace(q.Text); text != "" {
		criteria.Text = []string{text}
	}
	if from := strings.TrimSpace(q.From); from != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: from})
	}
	if subject := strings.TrimSpace(q.Subject); subject != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: subject})
	}
	if q.UnreadOnly {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	return criteria
}

func (c *imapClient) SetFlags(ctx context.Context, folder string, uids []mailbox.UID, flags []string, add bool) error {
	if len(uids) == 0 {
		return nil
	}
	return c.do(ctx, "store flags", func() error {
		if err := c.ensureSelected(folder); err != nil {
			return err
		}
		op := imap.StoreFlagsAdd
		if !add {
			op = imap.StoreFlagsDel
		}
		return c.c.Store(uidSet(uids), &imap.StoreFlags{
			Op:     op,
			Silent: true,
			Flags:  imapFlags(flags),
		}, nil).Close()
	})
}

func (c *imapClient) Append(ctx context.Context, folder string, raw []byte, flags []string) error {
	return c.do(ctx, "append", func() error {
		cmd := c.c.Append(folder, int64(len(raw)), &imap.AppendOptions{
			Flags: imapFlags(flags),
			Time:  time.Now(),
		})
		if _, err := cmd.Write(raw); err != nil {
			_ = cmd.Close()
			return fmt.Errorf("write message: %w", err)
		}
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("close append: %w", err)
		}
		if _, err := cmd.Wait(); err != nil {
			return fmt.Errorf("append to %q: %w", folder, err)
		}
		return nil
	})
}

func (c *imapClient) Move(ctx context.Context, folder string, uids []mailbox.UID, dest string) error {
	if len(uids) == 0 {
		return nil
	}
	return c.do(ctx, "move", func() error {
		if err := c.ensureSelected(folder); err != nil {
			return err
		}
		if _, err := c.c.Move(uidSet(uids), dest).Wait(); err != nil {
			return fmt.Errorf("move to %q: %w", dest, err)
		}
		return nil
	})
}

func (c *imapClient) Delete(ctx context.Context, folder string, uids []mailbox.UID) error {
	if len(uids) == 0 {
		return nil
	}
	return c.do(ctx, "delete", func() error {
		if err := c.ensureSelected(folder); err != nil {
			return err
		}
		set := uidSet(uids)
		err := c.c.Store(set, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil).Close()
		if err != nil {
			return fmt.Errorf("flag deleted: %w", err)
		}
		if c.c.Caps().Has(imap.CapUIDPlus) {
			return c.c.UIDExpunge(set).Close()
		}
		return c.c.Expunge().Close()
	})
}

func (c *imapClient) Close() error {
	_ = c.c.Logout().Wait()
	return c.c.Close()
}

func uidSet(uids []mailbox.UID) imap.UIDSet {
	return imap.UIDSetNum(xslices.Map(uids, func(u mailbox.UID) imap.UID { return imap.UID(u) })...)
}

func imapFlags(flags []string) []imap.Flag {
	return xslices.Map(flags, func(f string) imap.Flag { return imap.Flag(f) })
}

func flagsOf(flags []imap.Flag) mailbox.Flags {
	return mailbox.NewFlags(xslices.Map(flags, func(f imap.Flag) string { return string(f) })...)
}

func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) mailbox.Envelope {
	env := mailbox.Envelope{
		UID:   mailbox.UID(buf.UID),
		Flags: flagsOf(buf.Flags),
		Size:  buf.RFC822Size,
	}
	if e := buf.Envelope; e != nil {
		env.MessageID = e.MessageID
		env.Subject = e.Subject
		env.Date = e.Date
		env.From = addresses(e.From)
		env.To = addresses(e.To)
		env.Cc = addresses(e.Cc)
		env.ReplyTo = addresses(e.ReplyTo)
	}
	return env
}

func addresses(list []imap.Address) []mailbox.Address {
	return xslices.Map(list, func(a imap.Address) mailbox.Address {
		return mailbox.Address{Name: a.Name, Address: a.Addr()}
	})
}
