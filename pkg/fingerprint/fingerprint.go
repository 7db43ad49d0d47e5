package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

// Fingerprint identifies a cacheable request. Headers are never part of it.
type Fingerprint [sha256.Size]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 12 hex chars, enough for log lines.
func (f Fingerprint) Short() string {
	return f.String()[:12]
}

// Of digests method and url. Method is case sensitive.
func Of(method, url string) Fingerprint {
	h := sha256.New()
	h.Write([]byte(method))
	// separator keeps ("GE", "T/a") apart from ("GET", "/a")
	h.Write([]byte{0})
	h.Write([]byte(url))

	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

// ForRequest returns the fingerprint of r's method and normalized URL.
func ForRequest(r *http.Request) Fingerprint {
	return Of(r.Method, NormalizeURL(r.URL))
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// NormalizeURL renders u with a lowercase scheme and host and without the
// default port or fragment. Path and query are kept byte for byte.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if port, ok := defaultPorts[scheme]; ok {
		host = strings.TrimSuffix(host, ":"+port)
	}

	var b strings.Builder
	if scheme != "" {
		b.WriteString(scheme)
		b.WriteString("://")
	}
	b.WriteString(host)
	b.WriteString(u.RequestURI())
	return b.String()
}
