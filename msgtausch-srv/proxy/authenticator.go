package proxy

// ProxyAuthenticator gates the explicit forward-proxy Basic-auth challenge.
// Authenticate is called with the credentials parsed out of a client's
// Proxy-Authorization header and reports whether they grant access.
type ProxyAuthenticator interface {
	Authenticate(user, pass string) bool
}

// staticProxyAuthenticator authenticates against a single fixed
// username/password pair, matching the behavior of a config-file-only
// Portal section.
type staticProxyAuthenticator struct {
	username string
	password string
}

// NewStaticProxyAuthenticator returns a ProxyAuthenticator that accepts only
// the given username/password pair. An empty username disables the gate:
// Authenticate always returns true.
func NewStaticProxyAuthenticator(username, password string) ProxyAuthenticator {
	return &staticProxyAuthenticator{username: username, password: password}
}

func (a *staticProxyAuthenticator) Authenticate(user, pass string) bool {
	if a.username == "" {
		return true
	}
	return user == a.username && pass == a.password
}
