package reputation

import (
	"bufio"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

//go:embed disposable_domains.txt
var defaultDisposableDomains string

// DomainSet is a set of email domains. Membership is suffix-aware:
// "inbox.mailinator.com" matches an entry for "mailinator.com".
type DomainSet struct {
	mu      sync.RWMutex
	domains map[string]struct{}
}

// NewDomainSet creates an empty set.
func NewDomainSet() *DomainSet {
	return &DomainSet{domains: make(map[string]struct{})}
}

// DefaultDisposableDomains returns a set seeded with the built-in list.
func DefaultDisposableDomains() *DomainSet {
	s := NewDomainSet()
	// The embedded list is static and well-formed.
	_, _ = s.Load(strings.NewReader(defaultDisposableDomains))
	return s
}

// Add inserts a domain.
func (s *DomainSet) Add(domain string) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return
	}
	s.mu.Lock()
	s.domains[domain] = struct{}{}
	s.mu.Unlock()
}

// Contains reports whether domain or any parent domain is in the set.
func (s *DomainSet) Contains(domain string) bool {
	domain = normalizeDomain(domain)
	if domain == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for {
		if _, ok := s.domains[domain]; ok {
			return true
		}
		i := strings.IndexByte(domain, '.')
		if i < 0 {
			return false
		}
		domain = domain[i+1:]
		// Never match a bare TLD.
		if !strings.Contains(domain, ".") {
			return false
		}
	}
}

// IsDisposable satisfies the collector's disposable-domain lookup.
func (s *DomainSet) IsDisposable(_ context.Context, domain string) (bool, error) {
	return s.Contains(domain), nil
}

// Len returns the number of entries.
func (s *DomainSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.domains)
}

// Load reads one domain per line; '#' starts a comment.
func (s *DomainSet) Load(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if normalizeDomain(line) == "" {
			continue
		}
		s.Add(line)
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("reputation: read domains: %w", err)
	}
	return n, nil
}

// LoadFile adds the domains in path to the set.
func (s *DomainSet) LoadFile(path string) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-configured path
	if err != nil {
		return 0, fmt.Errorf("reputation: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return s.Load(f)
}

func normalizeDomain(d string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
}
