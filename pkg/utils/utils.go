package utils

import (
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. An empty level falls back to the build
// default (debug with -tags debug, info otherwise).
func NewLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(defaultLevel)

	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(lvl)
	}

	switch format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}

// RequestFields describes a request for logging. Header values are left out.
func RequestFields(req *http.Request) logrus.Fields {
	fields := logrus.Fields{
		"method":    req.Method,
		"url":       req.URL.String(),
		"host":      req.Host,
		"client_ip": ClientIP(req),
	}
	if ua := req.UserAgent(); ua != "" {
		fields["user_agent"] = ua
	}
	return fields
}

// ClientIP returns the peer address of req without the port. X-Forwarded-For
// is not trusted.
func ClientIP(req *http.Request) string {
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return ip
}
