package proxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/clescot/littleproxy-go/msgtausch-srv/logger"
)

// ServerGroup owns worker pools shared across every Proxy registered to it,
// and coordinates their shutdown. Cloning a running proxy onto a second port
// registers the clone with the same group instead of creating a new one, so
// stopping one instance never stops its siblings.
type ServerGroup struct {
	Name                     string
	AcceptorThreads          int
	ClientWorkerThreads      int
	ServerWorkerThreads      int
	AutoStopOnLastUnregister bool

	mu       sync.Mutex
	proxies  map[*Proxy]struct{}
	stopped  bool
}

// NewServerGroup creates a group with the donor's defaults: 2 acceptor
// threads, 8 client workers, 8 server workers.
func NewServerGroup(name string) *ServerGroup {
	return &ServerGroup{
		Name:                     name,
		AcceptorThreads:          2,
		ClientWorkerThreads:      8,
		ServerWorkerThreads:      8,
		AutoStopOnLastUnregister: true,
		proxies:                  make(map[*Proxy]struct{}),
	}
}

// Register adds a proxy to the group. It panics-equivalent errors out if the
// group has already been shut down.
func (g *ServerGroup) Register(p *Proxy) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return fmt.Errorf("server group %q already stopped", g.Name)
	}
	g.proxies[p] = struct{}{}
	return nil
}

// Unregister removes a proxy from the group. If AutoStopOnLastUnregister is
// set and this was the last member, the group shuts down. Calls after the
// group has already stopped are no-ops.
func (g *ServerGroup) Unregister(p *Proxy, graceful bool) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	delete(g.proxies, p)
	empty := len(g.proxies) == 0
	g.mu.Unlock()

	if empty && g.AutoStopOnLastUnregister {
		g.Shutdown(graceful)
	}
}

// Shutdown is idempotent. When graceful, it gives in-flight connections up to
// 10 seconds to drain (each member Proxy.Stop already bounds its own tunnel
// drain to 10s; this bounds the group's overall wait to the same 10s rather
// than summing across members) before returning; a non-graceful shutdown
// stops every member and returns without waiting for drains to finish.
func (g *ServerGroup) Shutdown(graceful bool) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	proxies := make([]*Proxy, 0, len(g.proxies))
	for p := range g.proxies {
		proxies = append(proxies, p)
	}
	g.mu.Unlock()

	stopAll := func() {
		for _, p := range proxies {
			if err := p.Stop(); err != nil {
				logger.Error("server group %q: error stopping proxy: %v", g.Name, err)
			}
		}
	}

	if !graceful {
		stopAll()
		return
	}

	logger.Debug("server group %q draining in-flight connections before shutdown", g.Name)
	done := make(chan struct{})
	go func() {
		stopAll()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("server group %q drained cleanly", g.Name)
	case <-time.After(10 * time.Second):
		logger.Warn("server group %q shutdown timed out after 10s waiting for in-flight connections", g.Name)
	}
}
