package remote

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/mailbridge/internal/mailbox"
)

// Outgoing is a message to be composed into RFC 5322 form.
type Outgoing struct {
	From        mailbox.Address
	To          []mailbox.Address
	Cc          []mailbox.Address
	Bcc         []mailbox.Address
	ReplyTo     []mailbox.Address
	Subject     string
	Text        string
	HTML        string
	Attachments []mailbox.Attachment
	InReplyTo   string
	// ReadReceipt asks the recipient's client for a disposition notification.
	ReadReceipt bool
	Date        time.Time
}

// Recipients returns every envelope recipient, Bcc included.
func (m Outgoing) Recipients() []string {
	var all []mailbox.Address
	all = append(all, m.To...)
	all = append(all, m.Cc...)
	all = append(all, m.Bcc...)
	seen := map[string]struct{}{}
	out := make([]string, 0, len(all))
	for _, a := range all {
		addr := strings.ToLower(strings.TrimSpace(a.Address))
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// Compose renders m as a MIME message. Bcc recipients never appear in the
// headers.
func Compose(m Outgoing) ([]byte, error) {
	if m.From.Address == "" {
		return nil, errors.New("compose: missing sender")
	}
	if len(m.Recipients()) == 0 {
		return nil, errors.New("compose: at least one recipient required")
	}
	if m.Text == "" && m.HTML == "" && len(m.Attachments) == 0 {
		return nil, errors.New("compose: message body required")
	}
	return render(m)
}

// ComposeDraft renders m like Compose but allows missing recipients and an
// empty body.
func ComposeDraft(m Outgoing) ([]byte, error) {
	if m.From.Address == "" {
		return nil, errors.New("compose: missing sender")
	}
	return render(m)
}

func render(m Outgoing) ([]byte, error) {
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", mailAddresses([]mailbox.Address{m.From}))
	if len(m.To) > 0 {
		h.SetAddressList("To", mailAddresses(m.To))
	}
	if len(m.Cc) > 0 {
		h.SetAddressList("Cc", mailAddresses(m.Cc))
	}
	if len(m.ReplyTo) > 0 {
		h.SetAddressList("Reply-To", mailAddresses(m.ReplyTo))
	}
	h.SetSubject(sanitizeHeader(m.Subject))
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	if m.InReplyTo != "" {
		id := strings.Trim(sanitizeHeader(m.InReplyTo), "<>")
		h.SetMsgIDList("In-Reply-To", []string{id})
		h.SetMsgIDList("References", []string{id})
	}
	if m.ReadReceipt {
		h.SetAddressList("Disposition-Notification-To", mailAddresses([]mailbox.Address{m.From}))
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	if m.Text != "" || m.HTML != "" || len(m.Attachments) == 0 {
		iw, err := mw.CreateInline()
		if err != nil {
			return nil, fmt.Errorf("create inline: %w", err)
		}
		if m.Text != "" || m.HTML == "" {
			if err := writeInline(iw, "text/plain", m.Text); err != nil {
				return nil, err
			}
		}
		if m.HTML != "" {
			if err := writeInline(iw, "text/html", m.HTML); err != nil {
				return nil, err
			}
		}
		if err := iw.Close(); err != nil {
			return nil, fmt.Errorf("close inline: %w", err)
		}
	}

	for _, a := range m.Attachments {
		var ah mail.AttachmentHeader
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.SetContentType(contentType, nil)
		ah.SetFilename(a.Filename)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment %q: %w", a.Filename, err)
		}
		if _, err := w.Write(a.Data); err != nil {
			return nil, fmt.Errorf("write attachment %q: %w", a.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close attachment %q: %w", a.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInline(iw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

func mailAddresses(list []mailbox.Address) []*mail.Address {
	return xslices.Map(list, func(a mailbox.Address) *mail.Address {
		return &mail.Address{Name: sanitizeHeader(a.Name), Address: strings.TrimSpace(a.Address)}
	})
}

func sanitizeHeader(value string) string {
	cleaned := strings.ReplaceAll(value, "\r", "")
	cleaned = strings.ReplaceAll(cleaned, "\n", "")
	return strings.TrimSpace(cleaned)
}
