package tunnel

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrBadTarget is returned for CONNECT targets that are not host:port.
var ErrBadTarget = errors.New("bad tunnel target")

// ParseTarget splits a CONNECT request target into host and port.
func ParseTarget(target string) (host, port string, err error) {
	if target == "" || strings.ContainsAny(target, "/ ") {
		return "", "", fmt.Errorf("%w: %q", ErrBadTarget, target)
	}

	host, port, err = net.SplitHostPort(target)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadTarget, err)
	}
	if host == "" {
		return "", "", fmt.Errorf("%w: %q has no host", ErrBadTarget, target)
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", "", fmt.Errorf("%w: %q has invalid port", ErrBadTarget, target)
	}
	return host, port, nil
}
