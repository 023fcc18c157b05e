package signals

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Test+promo@Gmail.com", "test@gmail.com"},
		{"  first.last@gmail.com ", "firstlast@gmail.com"},
		{"f.i.r.s.t+a+b@googlemail.com", "first@googlemail.com"},
		{"first.last@example.com", "first.last@example.com"},
		{"User+tag@Example.ORG", "user@example.org"},
		{"no-at-sign", "no-at-sign"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeEmail(tt.in), tt.in)
	}
}

func TestNormalizeEmail_Idempotent(t *testing.T) {
	inputs := []string{
		"Test+promo@Gmail.com",
		"a.b.c+x@gmail.com",
		"  MiXeD@Example.Com",
		"weird@@host.com",
		"plus+@yahoo.com",
		"",
	}
	for _, in := range inputs {
		once := NormalizeEmail(in)
		assert.Equal(t, once, NormalizeEmail(once), in)
	}
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "gmail.com", EmailDomain("test@gmail.com"))
	assert.Equal(t, "", EmailDomain("nodomain"))
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  John   O'Brien ", "john obrien"},
		{"Mary-Jane  Watson!!", "maryjane watson"},
		{"ÉLODIE\tDupont", "élodie dupont"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), tt.in)
	}
}

func TestSubnet(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"203.0.113.77", "203.0.113.0/24"},
		{"::ffff:203.0.113.77", "203.0.113.0/24"},
		{"2001:db8:aaaa:bbbb:cccc:dddd:eeee:ffff", "2001:db8:aaaa:bbbb::/64"},
		{"fe80::1%eth0", "fe80::/64"},
		{"garbage", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subnet(tt.in), tt.in)
	}
}

func TestFingerprint(t *testing.T) {
	info := ClientInfo{
		UserAgent:        "Mozilla/5.0",
		ScreenResolution: "1920x1080",
		Timezone:         "Asia/Tokyo",
		Language:         "ja-JP",
		Platform:         "MacIntel",
		CookiesEnabled:   true,
	}
	secret := []byte("k1")

	fp := Fingerprint(secret, info)
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint(secret, info), "deterministic")

	// Fields outside the device payload do not change the hash.
	withIP := info
	withIP.IP = "198.51.100.1"
	withIP.FormCompletionSeconds = 12
	assert.Equal(t, fp, Fingerprint(secret, withIP))

	other := info
	other.DoNotTrack = true
	assert.NotEqual(t, fp, Fingerprint(secret, other))

	assert.NotEqual(t, fp, Fingerprint([]byte("k2"), info), "rotating the secret changes every hash")
}
