package remote

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/mailbridge/internal/mailbox"
)

// ParseMessage extracts the text and HTML bodies and the attachments of raw.
// Envelope fields are filled from the headers; callers holding server-side
// envelope data overwrite them.
func ParseMessage(raw []byte) (*mailbox.Message, error) {
	msg := &mailbox.Message{Raw: raw, Attachments: []mailbox.Attachment{}}
	msg.Size = int64(len(raw))
	if len(raw) == 0 {
		return msg, nil
	}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Not MIME; keep the whole thing as plain text.
		msg.Text = string(raw)
		return msg, nil
	}
	defer reader.Close()

	if subject, err := reader.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if date, err := reader.Header.Date(); err == nil {
		msg.Date = date
	}
	if id, err := reader.Header.MessageID(); err == nil {
		msg.MessageID = id
	}
	msg.From = headerAddresses(&reader.Header, "From")
	msg.To = headerAddresses(&reader.Header, "To")
	msg.Cc = headerAddresses(&reader.Header, "Cc")
	msg.ReplyTo = headerAddresses(&reader.Header, "Reply-To")

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return msg, fmt.Errorf("read part: %w", err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
				msg.Text = joinBody(msg.Text, string(body))
			case strings.HasPrefix(mediaType, "text/html"):
				msg.HTML = joinBody(msg.HTML, string(body))
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			if strings.TrimSpace(filename) == "" {
				filename = "attachment"
			}
			contentType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, mailbox.Attachment{
				Index:       len(msg.Attachments),
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(body)),
				Data:        body,
			})
		}
	}
	return msg, nil
}

func joinBody(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "\n" + next
}

func headerAddresses(h *mail.Header, key string) []mailbox.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]mailbox.Address, 0, len(list))
	for _, a := range list {
		out = append(out, mailbox.Address{Name: a.Name, Address: strings.ToLower(a.Address)})
	}
	return out
}
