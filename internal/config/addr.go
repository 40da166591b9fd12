package config

import (
	"net"
	"strconv"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from addr and adds
// defPort when no port is given. A bare port number becomes ":port".
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	if _, err := strconv.Atoi(addr); err == nil {
		return ":" + addr
	}
	return addr + ":" + defPort
}
