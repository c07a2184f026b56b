package proxy

import (
	"net"

	"github.com/clescot/littleproxy-go/msgtausch-srv/logger"
)

// localOnlyListener wraps a net.Listener so every accepted connection is
// checked against the real TCP peer address before anything else (PROXY
// protocol decoding, TLS, the HTTP codec) touches it. Checking here rather
// than downstream means a spoofed PROXY protocol source address can never be
// used to smuggle a remote peer past the check.
type localOnlyListener struct {
	net.Listener
}

// NewLocalOnlyListener wraps l so Accept drops any connection whose remote
// address is not loopback or link-local.
func NewLocalOnlyListener(l net.Listener) net.Listener {
	return &localOnlyListener{Listener: l}
}

func (l *localOnlyListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if isLocalPeer(conn.RemoteAddr()) {
			return conn, nil
		}
		logger.Debug("allowLocalOnly: rejecting remote peer %s", conn.RemoteAddr())
		_ = conn.Close()
	}
}

// isLocalPeer reports whether addr's IP is loopback or link-local, per the
// allowLocalOnly accept-time check.
func isLocalPeer(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return false
		}
		ip := net.ParseIP(host)
		return ip != nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast())
	}
	return tcpAddr.IP.IsLoopback() || tcpAddr.IP.IsLinkLocalUnicast()
}
