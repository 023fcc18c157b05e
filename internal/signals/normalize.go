package signals

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/netip"
	"strings"
	"unicode"
)

// dotInsensitiveDomains ignore dots in the local part of an address.
var dotInsensitiveDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
}

// NormalizeEmail lowercases and trims an address, drops any +tag from the
// local part, and removes local-part dots for providers that ignore them.
// Input without an '@' is only trimmed and lowercased.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]

	if i := strings.IndexByte(local, '+'); i >= 0 {
		local = local[:i]
	}
	if dotInsensitiveDomains[domain] {
		local = strings.ReplaceAll(local, ".", "")
	}
	return local + "@" + domain
}

// EmailDomain returns the domain part of a normalized address.
func EmailDomain(normalized string) string {
	at := strings.LastIndexByte(normalized, '@')
	if at < 0 {
		return ""
	}
	return normalized[at+1:]
}

// NormalizeName lowercases, strips punctuation and collapses whitespace.
func NormalizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, name)
	return strings.Join(strings.Fields(name), " ")
}

// Subnet returns the /24 network of an IPv4 address or the /64 network of an
// IPv6 address, e.g. "203.0.113.0/24". Returns "" for unparsable input.
func Subnet(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	bits := 64
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.WithZone("").Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.String()
}

// NormalizeIP returns the canonical text form of ip, or "" if it does not parse.
func NormalizeIP(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}
	return addr.Unmap().WithZone("").String()
}

// fingerprintInput fixes the field set and order of the fingerprint payload.
// Fields are in key order so the JSON encoding is canonical.
type fingerprintInput struct {
	CookiesEnabled   bool   `json:"cookies_enabled"`
	DoNotTrack       bool   `json:"do_not_track"`
	Language         string `json:"language"`
	Platform         string `json:"platform"`
	ScreenResolution string `json:"screen_resolution"`
	Timezone         string `json:"timezone"`
	UserAgent        string `json:"user_agent"`
}

// Fingerprint returns the hex HMAC-SHA256 of the canonical device payload.
func Fingerprint(secret []byte, info ClientInfo) string {
	payload, _ := json.Marshal(fingerprintInput{
		CookiesEnabled:   info.CookiesEnabled,
		DoNotTrack:       info.DoNotTrack,
		Language:         info.Language,
		Platform:         info.Platform,
		ScreenResolution: info.ScreenResolution,
		Timezone:         info.Timezone,
		UserAgent:        info.UserAgent,
	})
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
