package proxy

import "net/http"

const (
	HeaderXCache     = "X-Cache"
	HeaderRequestID  = "X-Proxy-Request-Id"
	HeaderProxyAgent = "Proxy-Agent"
)

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
