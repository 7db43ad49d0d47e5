package client

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_defaults(t *testing.T) {
	c := NewClient()
	assert.Equal(t, defaultClientTimeout, c.Timeout)

	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Nil(t, tr.Proxy)
	assert.Equal(t, defaultMaxIdleConns, tr.MaxIdleConns)
}

func TestNewTransport_options(t *testing.T) {
	tr := NewTransport(
		WithMaxIdleConns(7),
		WithMaxIdleConnsPerHost(3),
		WithIdleConnTimeout(time.Second),
		WithTLSHandshakeTimeout(2*time.Second),
		WithResponseHeaderTimeout(4*time.Second),
		WithDialTimeout(time.Second),
	)

	assert.Equal(t, 7, tr.MaxIdleConns)
	assert.Equal(t, 3, tr.MaxIdleConnsPerHost)
	assert.Equal(t, time.Second, tr.IdleConnTimeout)
	assert.Equal(t, 2*time.Second, tr.TLSHandshakeTimeout)
	assert.Equal(t, 4*time.Second, tr.ResponseHeaderTimeout)
	assert.NotNil(t, tr.DialContext)
}

func TestWithoutRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := NewClient(WithoutRedirects(), WithTimeout(5*time.Second))
	resp, err := c.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}
