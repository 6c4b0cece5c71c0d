package poll

import (
	"sync"

	"github.com/fzft/go-afdpoll/poll/internal/afd"
	"github.com/fzft/go-afdpoll/poll/internal/iocp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// groupMember is one shared AFD poll handle. refs counts the group's own
// reference plus one per sockState served by the handle.
type groupMember struct {
	handle afd.Handle
	refs   int
}

// afdGroup is the pool of AFD poll handles of a selector. Sockets fill the
// newest handle until it serves size of them.
type afdGroup struct {
	mu      sync.Mutex
	port    iocp.Port
	driver  afd.Driver
	key     uintptr
	size    int
	members []*groupMember
	logger  *zap.Logger
}

func newAfdGroup(port iocp.Port, driver afd.Driver, key uintptr, size int, logger *zap.Logger) *afdGroup {
	return &afdGroup{
		port:   port,
		driver: driver,
		key:    key,
		size:   size,
		logger: logger,
	}
}

// acquire returns a member with a reference taken for the caller.
func (g *afdGroup) acquire() (*groupMember, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.members) == 0 || g.members[len(g.members)-1].refs >= g.size+1 {
		h, err := g.driver.Open(g.port, g.key)
		if err != nil {
			return nil, err
		}
		g.members = append(g.members, &groupMember{handle: h, refs: 1})
		g.logger.Debug("afd handle opened", zap.Int("members", len(g.members)))
	}

	m := g.members[len(g.members)-1]
	m.refs++
	return m, nil
}

func (g *afdGroup) release(m *groupMember) {
	g.mu.Lock()
	m.refs--
	g.mu.Unlock()
}

// releaseUnused closes the members no socket uses anymore.
func (g *afdGroup) releaseUnused() {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.members[:0]
	for _, m := range g.members {
		if m.refs > 1 {
			kept = append(kept, m)
			continue
		}
		if err := m.handle.Close(); err != nil {
			g.logger.Debug("failed to close afd handle", zap.Error(err))
		}
	}
	for i := len(kept); i < len(g.members); i++ {
		g.members[i] = nil
	}
	if n := len(g.members) - len(kept); n > 0 {
		g.logger.Debug("afd handles released", zap.Int("released", n), zap.Int("members", len(kept)))
	}
	g.members = kept
}

// close closes every member regardless of its users.
func (g *afdGroup) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs error
	for _, m := range g.members {
		errs = multierr.Append(errs, m.handle.Close())
	}
	g.members = nil
	return errs
}

func (g *afdGroup) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}
