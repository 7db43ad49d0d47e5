package fingerprint

import (
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf_Deterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.Equal(t, Of("GET", "/a?x=1"), Of("GET", "/a?x=1"))
	}
}

func TestOf_Distinct(t *testing.T) {
	getA := Of("GET", "/a")
	getB := Of("GET", "/b")
	postA := Of("POST", "/a")

	assert.NotEqual(t, getA, getB)
	assert.NotEqual(t, getA, postA)
	assert.NotEqual(t, getB, postA)

	// methods are case sensitive
	assert.NotEqual(t, Of("GET", "/a"), Of("get", "/a"))
	// query string is part of the identity
	assert.NotEqual(t, Of("GET", "/a?x=1"), Of("GET", "/a?x=2"))
	// the separator keeps method and url from bleeding into each other
	assert.NotEqual(t, Of("GE", "T/a"), Of("GET", "/a"))
}

func TestForRequest_IgnoresHeaders(t *testing.T) {
	r1 := httptest.NewRequest("GET", "http://example.com/page?q=1", nil)
	r1.Header.Set("Accept", "text/html")
	r2 := httptest.NewRequest("GET", "http://example.com/page?q=1", nil)
	r2.Header.Set("Accept", "application/json")
	r2.Header.Set("Cookie", "a=b")

	assert.Equal(t, ForRequest(r1), ForRequest(r2))
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://Example.COM/a", "http://example.com/a"},
		{"HTTP://example.com:80/a?b=C", "http://example.com/a?b=C"},
		{"https://example.com:443/", "https://example.com/"},
		{"http://example.com:8080/x", "http://example.com:8080/x"},
		{"http://example.com/a#frag", "http://example.com/a"},
		{"http://example.com", "http://example.com/"},
		{"/relative?x=1", "/relative?x=1"},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, NormalizeURL(u), tt.in)
	}
	assert.Equal(t, "", NormalizeURL(nil))
}

func TestFingerprint_String(t *testing.T) {
	f := Of("GET", "/a")
	assert.Len(t, f.String(), 64)
	assert.Len(t, f.Short(), 12)
}
