package sync

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// IsSelfURL reports whether peerURL refers to this backbone node itself,
// preventing a backbone from dialing itself. Unlike a naive substring match
// on node id ("bb1" would false-positive against "bb12.example.com"), this
// compares normalized hostname and port for exact equality, plus an
// explicit loopback check.
func IsSelfURL(peerURL, listenHost string, listenPort int, nodeID string) bool {
	u, err := url.Parse(peerURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	portStr := u.Port()

	port := strconv.Itoa(listenPort)

	if isLoopbackHost(host) {
		return portStr == "" || portStr == port
	}

	if listenHost != "" && strings.EqualFold(host, listenHost) {
		return portStr == "" || portStr == port
	}

	// An explicit node-id-as-hostname convention (e.g. ws://bb1:1235) is
	// matched by exact hostname equality only — never substring.
	return strings.EqualFold(host, nodeID) && (portStr == "" || portStr == port)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
