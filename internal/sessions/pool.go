// ABOUTME: Session pool: owns authenticated clients and their chat bindings
// ABOUTME: Least-loaded realtime binding plus transient checkout for backfills

package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leadwatch/leadwatch/internal/platform"
)

// ErrNoSessionAvailable indicates every credential in the pool is either
// checked out, banned, or failed to connect.
var ErrNoSessionAvailable = errors.New("no session available")

const (
	// disconnectTimeout bounds how long Shutdown waits per client.
	disconnectTimeout = 2 * time.Second
	// disconnectConcurrency bounds parallel disconnects during Shutdown.
	disconnectConcurrency = 4
)

// SessionInfo is a descriptor tuple for admin surfaces.
type SessionInfo struct {
	Name       string
	Phone      string
	Connected  bool
	BoundChats int
}

// Transient is a checked-out client. Callers must hand it back through
// ReleaseTransient when done.
type Transient struct {
	Client platform.Client
	Name   string
}

// Pool owns a credential set and the clients dialed from it. Binding
// bookkeeping is mutated only from the monitor's serialised control path;
// the mutex exists for readers like ListInfo and for transient checkouts.
type Pool struct {
	name   string
	dialer platform.Dialer
	log    *slog.Logger

	mu     sync.RWMutex
	creds  []platform.Credential
	active map[string]platform.Client
	chats  map[string]map[int64]struct{}
	byChat map[int64]string
	inUse  map[string]bool
}

// NewPool builds a pool over the given credentials. No connections are
// made until Connect, ChooseForChat, or AcquireTransient.
func NewPool(name string, creds []platform.Credential, dialer platform.Dialer, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:   name,
		dialer: dialer,
		log:    logger.With("component", "sessions", "pool", name),
		creds:  creds,
		active: make(map[string]platform.Client),
		chats:  make(map[string]map[int64]struct{}),
		byChat: make(map[int64]string),
		inUse:  make(map[string]bool),
	}
}

// Connect dials every credential. Individual failures are logged and
// skipped; the pool is healthy as long as one credential connects.
func (p *Pool) Connect(ctx context.Context) error {
	connected := 0
	for _, cred := range p.creds {
		client, err := p.dialer.Dial(ctx, cred)
		if err != nil {
			p.log.Warn("credential failed to connect", "session", cred.Name, "error", err)
			continue
		}
		p.mu.Lock()
		p.active[cred.Name] = client
		p.chats[cred.Name] = make(map[int64]struct{})
		p.mu.Unlock()
		connected++
	}
	if connected == 0 && len(p.creds) > 0 {
		return fmt.Errorf("connect pool %s: %w", p.name, ErrNoSessionAvailable)
	}
	p.log.Info("pool connected", "sessions", connected, "credentials", len(p.creds))
	return nil
}

// ChooseForChat returns the client a chat should be subscribed on. An
// existing binding wins; otherwise the least-loaded active client is
// chosen, promoting an unconnected credential only when nothing is active.
func (p *Pool) ChooseForChat(ctx context.Context, chatID int64) (platform.Client, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if name, ok := p.byChat[chatID]; ok {
		if client, ok := p.active[name]; ok {
			return client, name, nil
		}
		// Stale binding to a dropped session
		delete(p.byChat, chatID)
	}

	name := p.leastLoadedLocked()
	if name == "" {
		var err error
		name, err = p.promoteLocked(ctx)
		if err != nil {
			return nil, "", err
		}
	}

	p.chats[name][chatID] = struct{}{}
	p.byChat[chatID] = name
	return p.active[name], name, nil
}

// leastLoadedLocked picks the active session with the fewest bound chats.
func (p *Pool) leastLoadedLocked() string {
	best := ""
	bestLoad := -1
	for name := range p.active {
		load := len(p.chats[name])
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = name, load
		}
	}
	return best
}

// promoteLocked dials credentials not yet active until one connects.
func (p *Pool) promoteLocked(ctx context.Context) (string, error) {
	for _, cred := range p.creds {
		if _, ok := p.active[cred.Name]; ok {
			continue
		}
		if p.inUse[cred.Name] {
			continue
		}
		client, err := p.dialer.Dial(ctx, cred)
		if err != nil {
			p.log.Warn("promotion failed", "session", cred.Name, "error", err)
			continue
		}
		p.active[cred.Name] = client
		p.chats[cred.Name] = make(map[int64]struct{})
		return cred.Name, nil
	}
	return "", ErrNoSessionAvailable
}

// Unbind removes a chat's binding. A session left with zero bound chats
// is disconnected and returned to the candidate set.
func (p *Pool) Unbind(ctx context.Context, chatID int64) {
	p.mu.Lock()
	name, ok := p.byChat[chatID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.byChat, chatID)
	delete(p.chats[name], chatID)

	var idle platform.Client
	if len(p.chats[name]) == 0 {
		idle = p.active[name]
		delete(p.active, name)
		delete(p.chats, name)
	}
	p.mu.Unlock()

	if idle != nil {
		dctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
		defer cancel()
		if err := idle.Disconnect(dctx); err != nil {
			p.log.Warn("idle session disconnect failed", "session", name, "error", err)
		}
	}
}

// ReleaseUnusable drops a session that became unusable (ban, auth
// revocation, dead transport) and returns the chat ids now orphaned.
// The maintenance resync re-binds them.
func (p *Pool) ReleaseUnusable(name string) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	orphans := make([]int64, 0, len(p.chats[name]))
	for chatID := range p.chats[name] {
		delete(p.byChat, chatID)
		orphans = append(orphans, chatID)
	}
	delete(p.chats, name)
	delete(p.active, name)
	if len(orphans) > 0 {
		p.log.Warn("session released, chats orphaned", "session", name, "orphans", len(orphans))
	}
	return orphans
}

// AcquireTransient checks out a credential for a short-lived operation.
// Candidates are shuffled to spread load; connect failures skip to the
// next candidate.
func (p *Pool) AcquireTransient(ctx context.Context) (*Transient, error) {
	p.mu.Lock()
	candidates := make([]platform.Credential, 0, len(p.creds))
	for _, cred := range p.creds {
		if p.inUse[cred.Name] {
			continue
		}
		if _, active := p.active[cred.Name]; active {
			continue
		}
		candidates = append(candidates, cred)
	}
	p.mu.Unlock()

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for _, cred := range candidates {
		p.mu.Lock()
		if p.inUse[cred.Name] {
			p.mu.Unlock()
			continue
		}
		p.inUse[cred.Name] = true
		p.mu.Unlock()

		client, err := p.dialer.Dial(ctx, cred)
		if err != nil {
			p.log.Warn("transient connect failed", "session", cred.Name, "error", err)
			p.mu.Lock()
			delete(p.inUse, cred.Name)
			p.mu.Unlock()
			continue
		}
		return &Transient{Client: client, Name: cred.Name}, nil
	}
	return nil, ErrNoSessionAvailable
}

// ReleaseTransient disconnects a checked-out client and unmarks it.
func (p *Pool) ReleaseTransient(ctx context.Context, t *Transient) {
	if t == nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
	defer cancel()
	if err := t.Client.Disconnect(dctx); err != nil {
		p.log.Warn("transient disconnect failed", "session", t.Name, "error", err)
	}
	p.mu.Lock()
	delete(p.inUse, t.Name)
	p.mu.Unlock()
}

// ListInfo returns a descriptor per credential for admin surfaces.
func (p *Pool) ListInfo() []SessionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]SessionInfo, 0, len(p.creds))
	for _, cred := range p.creds {
		_, connected := p.active[cred.Name]
		out = append(out, SessionInfo{
			Name:       cred.Name,
			Phone:      cred.Phone,
			Connected:  connected || p.inUse[cred.Name],
			BoundChats: len(p.chats[cred.Name]),
		})
	}
	return out
}

// Shutdown disconnects every active client with a hard per-client timeout
// and bounded concurrency, then clears all bookkeeping regardless.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	clients := make(map[string]platform.Client, len(p.active))
	for name, client := range p.active {
		clients[name] = client
	}
	p.active = make(map[string]platform.Client)
	p.chats = make(map[string]map[int64]struct{})
	p.byChat = make(map[int64]string)
	p.inUse = make(map[string]bool)
	p.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(disconnectConcurrency)
	for name, client := range clients {
		name, client := name, client
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				p.log.Warn("shutdown disconnect failed", "session", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	p.log.Info("pool shut down", "sessions", len(clients))
}
