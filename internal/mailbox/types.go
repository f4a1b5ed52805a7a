package mailbox

import (
	"slices"
	"strings"
	"time"
)

// UID is a server-assigned message identifier, unique within a folder.
type UID uint32

const (
	FlagSeen     = `\Seen`
	FlagFlagged  = `\Flagged`
	FlagAnswered = `\Answered`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
)

// Flags is a normalized set of IMAP flags, kept sorted.
type Flags []string

// NewFlags sorts and deduplicates raw flags.
func NewFlags(raw ...string) Flags {
	out := make(Flags, 0, len(raw))
	for _, f := range raw {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (f Flags) Has(flag string) bool {
	_, ok := slices.BinarySearch(f, flag)
	return ok
}

func (f Flags) Equal(other Flags) bool {
	return slices.Equal(f, other)
}

func (f Flags) String() string {
	return strings.Join(f, " ")
}

// Listing is the summary of one folder: every UID present with its flags.
// Partial is set when some part of the listing could not be fetched.
type Listing struct {
	Folder  string
	Flags   map[UID]Flags
	Partial bool
}

// Unread counts the messages without \Seen.
func (l Listing) Unread() int {
	n := 0
	for _, flags := range l.Flags {
		if !flags.Has(FlagSeen) {
			n++
		}
	}
	return n
}

// MaxUID returns the highest UID in the listing, 0 when empty.
func (l Listing) MaxUID() UID {
	var highest UID
	for uid := range l.Flags {
		if uid > highest {
			highest = uid
		}
	}
	return highest
}

// UIDs returns the listing's UIDs in ascending order.
func (l Listing) UIDs() []UID {
	uids := make([]UID, 0, len(l.Flags))
	for uid := range l.Flags {
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	return uids
}

// Folder describes one remote folder.
type Folder struct {
	Name       string   `json:"name"`
	Delimiter  string   `json:"delimiter,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
	SpecialUse string   `json:"specialUse,omitempty"`
}

// FolderStatus is the server-side counters of a folder.
type FolderStatus struct {
	Folder   string `json:"folder"`
	Messages int    `json:"messages"`
	Unread   int    `json:"unread"`
	UIDNext  UID    `json:"uidNext"`
}

// Address is a display name plus address.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Envelope is the header summary of a message.
type Envelope struct {
	UID       UID       `json:"uid"`
	MessageID string    `json:"messageId,omitempty"`
	Subject   string    `json:"subject"`
	From      []Address `json:"from"`
	To        []Address `json:"to"`
	Cc        []Address `json:"cc,omitempty"`
	ReplyTo   []Address `json:"replyTo,omitempty"`
	Date      time.Time `json:"date"`
	Flags     Flags     `json:"flags"`
	Size      int64     `json:"size"`
}

// Attachment describes one attachment of a fetched message. Data is only
// populated when the attachment itself is requested.
type Attachment struct {
	Index       int    `json:"index"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-"`
}

// Message is a fully fetched message.
type Message struct {
	Envelope
	Text        string       `json:"text"`
	HTML        string       `json:"html"`
	Attachments []Attachment `json:"attachments"`
	Raw         []byte       `json:"-"`
}

// EventKind is the kind of change a delta event reports.
type EventKind string

const (
	EventNewMessages  EventKind = "new_messages"
	EventCountChanged EventKind = "count_changed"
	EventFlagsChanged EventKind = "flags_changed"
	EventRemoved      EventKind = "removed"
)

// Event is a single detected change of a folder.
type Event struct {
	Mailbox Identity  `json:"mailbox"`
	Folder  string    `json:"folder"`
	Kind    EventKind `json:"kind"`
	Payload Payload   `json:"payload"`
}

// Payload carries the kind-specific data of an event.
type Payload struct {
	UIDs     []UID `json:"uids,omitempty"`
	Previous *int  `json:"previous,omitempty"`
	Current  *int  `json:"current,omitempty"`
}
