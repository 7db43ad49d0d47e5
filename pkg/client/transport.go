package client

import (
	"net"
	"net/http"
	"time"
)

const (
	defaultDialTimeout         = 10 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	defaultMaxIdleConns        = 100
	defaultIdleConnTimeout     = 90 * time.Second
)

type TransportOption func(*http.Transport)

func WithMaxIdleConns(maxIdleConns int) TransportOption {
	return func(t *http.Transport) {
		t.MaxIdleConns = maxIdleConns
	}
}

func WithMaxIdleConnsPerHost(maxIdleConnsPerHost int) TransportOption {
	return func(t *http.Transport) {
		t.MaxIdleConnsPerHost = maxIdleConnsPerHost
	}
}

func WithIdleConnTimeout(timeout time.Duration) TransportOption {
	return func(t *http.Transport) {
		t.IdleConnTimeout = timeout
	}
}

func WithDialTimeout(timeout time.Duration) TransportOption {
	return func(t *http.Transport) {
		dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		t.DialContext = dialer.DialContext
	}
}

func WithTLSHandshakeTimeout(timeout time.Duration) TransportOption {
	return func(t *http.Transport) {
		t.TLSHandshakeTimeout = timeout
	}
}

func WithResponseHeaderTimeout(timeout time.Duration) TransportOption {
	return func(t *http.Transport) {
		t.ResponseHeaderTimeout = timeout
	}
}

// NewTransport builds a transport that dials origins directly. Environment proxy
// settings are ignored.
func NewTransport(opts ...TransportOption) *http.Transport {
	dialer := &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        defaultMaxIdleConns,
		IdleConnTimeout:     defaultIdleConnTimeout,
		TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(transport)
	}
	return transport
}
