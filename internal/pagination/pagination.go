// Package pagination turns page, limit and sort query parameters into a
// window over a folder's UIDs. The provider assigns UIDs in arrival order,
// so ordering by UID is ordering by arrival.
package pagination

import (
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.io/infrasutra/mailbridge/internal/mailbox"
)

// Order is the direction a folder is listed in.
type Order string

const (
	Newest Order = "newest"
	Oldest Order = "oldest"
)

const (
	// MaxLimit caps the messages returned by one page or one search.
	MaxLimit = 100
	// DefaultLimit matches the page size mail clients usually request.
	DefaultLimit = 20
)

// ParseOrder accepts newest/oldest and their desc/asc aliases.
func ParseOrder(raw string) (Order, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "newest", "desc":
		return Newest, true
	case "oldest", "asc":
		return Oldest, true
	}
	return "", false
}

// Params selects one page of a folder. Page is 1-based.
type Params struct {
	Page  int
	Limit int
	Order Order
}

// Offset is the index of the first UID on the page.
func (p *Params) Offset() int {
	return (max(p.Page, 1) - 1) * p.Limit
}

type Option func(*Params)

// WithLimit changes the page size used when the query has none. Values
// outside 1..MaxLimit are ignored.
func WithLimit(limit int) Option {
	return func(p *Params) {
		if limit > 0 && limit <= MaxLimit {
			p.Limit = limit
		}
	}
}

// WithOrder changes the order used when the query has none.
func WithOrder(raw string) Option {
	return func(p *Params) {
		if o, ok := ParseOrder(raw); ok {
			p.Order = o
		}
	}
}

// FromQuery reads page, limit and sort from q. Malformed values keep their
// defaults and limit is capped at MaxLimit.
func FromQuery(q url.Values, opts ...Option) *Params {
	p := &Params{Page: 1, Limit: DefaultLimit, Order: Newest}
	for _, opt := range opts {
		opt(p)
	}
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		p.Page = n
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxLimit)
	}
	if o, ok := ParseOrder(q.Get("sort")); ok {
		p.Order = o
	}
	return p
}

// Sort returns a sorted copy of uids.
func Sort(uids []mailbox.UID, order Order) []mailbox.UID {
	out := slices.Clone(uids)
	slices.Sort(out)
	if order != Oldest {
		slices.Reverse(out)
	}
	return out
}

// Slice sorts uids by p.Order and returns the UIDs on the requested page,
// and whether any follow it. The page is empty past the end.
func (p *Params) Slice(uids []mailbox.UID) ([]mailbox.UID, bool) {
	sorted := Sort(uids, p.Order)
	start := p.Offset()
	if p.Limit <= 0 || start >= len(sorted) {
		return nil, false
	}
	end := min(start+p.Limit, len(sorted))
	return sorted[start:end], end < len(sorted)
}
