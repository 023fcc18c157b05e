// Package reputation provides the lookup tables the signal collector consults:
// IP reputation by address or CIDR, and the disposable email domain set.
package reputation

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strings"
	"sync"
)

// Category classifies an IP address.
type Category string

const (
	CategoryUnknown Category = "unknown"
	CategoryClean   Category = "clean"
	CategoryTor     Category = "tor"
	CategoryVPN     Category = "vpn"
	CategoryProxy   Category = "proxy"
	CategoryHosting Category = "hosting"
)

var (
	ErrInvalidIP       = errors.New("reputation: invalid ip address")
	ErrInvalidCategory = errors.New("reputation: invalid category")
)

// ParseCategory parses a category name, case-insensitively.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryUnknown, CategoryClean, CategoryTor, CategoryVPN, CategoryProxy, CategoryHosting:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

type prefixEntry struct {
	prefix   netip.Prefix
	category Category
}

// Table maps addresses and networks to a reputation Category. Exact addresses
// win over networks; among networks the longest prefix wins.
type Table struct {
	mu       sync.RWMutex
	exact    map[netip.Addr]Category
	prefixes []prefixEntry // sorted by prefix length, longest first
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{exact: make(map[netip.Addr]Category)}
}

// Add registers an address ("203.0.113.7") or network ("203.0.113.0/24").
func (t *Table) Add(entry string, category Category) error {
	entry = strings.TrimSpace(entry)

	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidIP, entry)
		}
		prefix = prefix.Masked()

		t.mu.Lock()
		defer t.mu.Unlock()
		t.prefixes = append(t.prefixes, prefixEntry{prefix: prefix, category: category})
		sort.SliceStable(t.prefixes, func(i, j int) bool {
			return t.prefixes[i].prefix.Bits() > t.prefixes[j].prefix.Bits()
		})
		return nil
	}

	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, entry)
	}

	t.mu.Lock()
	t.exact[addr.Unmap()] = category
	t.mu.Unlock()
	return nil
}

// Lookup returns the category for ip, or CategoryUnknown when it is not listed.
func (t *Table) Lookup(_ context.Context, ip string) (Category, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return CategoryUnknown, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	addr = addr.Unmap()

	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, ok := t.exact[addr]; ok {
		return c, nil
	}
	for _, e := range t.prefixes {
		if e.prefix.Contains(addr) {
			return e.category, nil
		}
	}
	return CategoryUnknown, nil
}

// Len returns the number of exact and network entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.exact) + len(t.prefixes)
}

// LoadCSV reads "address_or_cidr,category" rows. Blank lines and lines
// starting with '#' are skipped. Returns the number of rows added.
func (t *Table) LoadCSV(r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true

	n := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("reputation: read csv: %w", err)
		}
		cat, err := ParseCategory(rec[1])
		if err != nil {
			line, _ := cr.FieldPos(0)
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := t.Add(rec[0], cat); err != nil {
			line, _ := cr.FieldPos(0)
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
}

// LoadFile loads a CSV reputation file into the table.
func (t *Table) LoadFile(path string) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-configured path
	if err != nil {
		return 0, fmt.Errorf("reputation: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return t.LoadCSV(f)
}
