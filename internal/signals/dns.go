package signals

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/reggate/internal/circuitbreaker"
)

// DefaultDNSTimeout bounds the combined MX and SPF lookups for one domain.
const DefaultDNSTimeout = 2 * time.Second

// DNSChecker answers whether an email domain publishes MX and SPF records.
// Lookups are bounded by a timeout and guarded by a per-domain breaker, so a
// domain whose nameservers keep timing out is skipped for a while.
type DNSChecker struct {
	resolver Resolver
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker
}

// NewDNSChecker creates a checker. A nil resolver uses net.DefaultResolver.
func NewDNSChecker(resolver Resolver, timeout time.Duration) *DNSChecker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = DefaultDNSTimeout
	}
	return &DNSChecker{
		resolver: resolver,
		timeout:  timeout,
		breaker:  circuitbreaker.New("dns", 3, time.Minute),
	}
}

// WithBreaker replaces the per-domain breaker.
func (d *DNSChecker) WithBreaker(b *circuitbreaker.Breaker) *DNSChecker {
	d.breaker = b
	return d
}

// Check looks up MX and SPF for domain. A domain that does not exist, or has
// no such records, is a negative answer and not an error. The error is
// non-nil only when a lookup could not be answered; the booleans then hold
// whatever was learned before the failure.
func (d *DNSChecker) Check(ctx context.Context, domain string) (mx, spf bool, err error) {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if domain == "" {
		return false, false, nil
	}

	err = d.breaker.Call(domain, func() error {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		var (
			wg            sync.WaitGroup
			mxErr, spfErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			mx, mxErr = d.lookupMX(ctx, domain)
		}()
		go func() {
			defer wg.Done()
			spf, spfErr = d.lookupSPF(ctx, domain)
		}()
		wg.Wait()

		return errors.Join(mxErr, spfErr)
	})
	if err != nil {
		return mx, spf, fmt.Errorf("dns lookup %s: %w", domain, err)
	}
	return mx, spf, nil
}

func (d *DNSChecker) lookupMX(ctx context.Context, domain string) (bool, error) {
	records, err := d.resolver.LookupMX(ctx, domain)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, r := range records {
		// "." is a null MX: the domain explicitly accepts no mail.
		if r.Host != "." && r.Host != "" {
			return true, nil
		}
	}
	return false, nil
}

func (d *DNSChecker) lookupSPF(ctx context.Context, domain string) (bool, error) {
	txts, err := d.resolver.LookupTXT(ctx, domain)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, txt := range txts {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(txt)), "v=spf1") {
			return true, nil
		}
	}
	return false, nil
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
