// Package sharemgr owns the share registry and keeps the proxy routes, the
// per-share file servers and the persisted state consistent with it.
package sharemgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pocketfileshare/pocketshare/internal/domain"
	"github.com/pocketfileshare/pocketshare/internal/events"
	"github.com/pocketfileshare/pocketshare/internal/fileserver"
	ilog "github.com/pocketfileshare/pocketshare/internal/log"
	"github.com/pocketfileshare/pocketshare/internal/store/jsonfile"
)

// Router is the route table and public listener the manager drives.
type Router interface {
	Start(ctx context.Context) (int, error)
	Stop(ctx context.Context) error
	Port() int
	AddRoute(route domain.Route)
	RemoveRoute(subdomain string) bool
	UpdateRouteStatus(subdomain string, active bool) bool
	Route(subdomain string) (domain.Route, bool)
	ClearRoutes()
	SetPublisher(pub events.Publisher)
}

// Tunnel is the supervised public tunnel.
type Tunnel interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() domain.TunnelStatus
	SetPublisher(pub events.Publisher)
}

// FileServer serves one share. Start may bind a port other than the
// preferred one and returns the port actually bound.
type FileServer interface {
	Start(ctx context.Context, preferredPort int) (int, error)
	Stop(ctx context.Context) error
}

// FileServerFactory creates an unstarted file server for a share.
type FileServerFactory func(path, passcode string) FileServer

// Config controls port allocation, persistence and public URLs.
type Config struct {
	SharePortStart int
	SharePortEnd   int
	DataDir        string
	Domain         string
	// FreshStart deletes the persisted registry on every Start.
	FreshStart bool
}

const (
	maxIDAttempts      = 16
	maxPortReconciles  = 8
	noTunnelConfigured = "No tunnel configured"
)

// Manager is the single owner of the share registry.
type Manager struct {
	cfg       Config
	router    Router
	tunnel    Tunnel
	newServer FileServerFactory
	store     *jsonfile.Store
	bus       *events.Bus
	log       *slog.Logger

	// opMu serializes lifecycle operations; mu guards the maps below.
	opMu    sync.Mutex
	mu      sync.RWMutex
	shares  map[string]*domain.Share
	order   []string
	servers map[string]FileServer
	// resume holds shares Stop deactivated; they stay persisted as active
	// until the next Start restores them or they are stopped or deleted.
	resume  map[string]struct{}
	running bool
}

// New wires a manager. tun may be nil when no tunnel is configured; a nil
// newServer uses the built-in file server.
func New(cfg Config, router Router, tun Tunnel, newServer FileServerFactory, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		router:    router,
		tunnel:    tun,
		newServer: newServer,
		store:     jsonfile.New(cfg.DataDir),
		bus:       events.NewBus(),
		log:       ilog.Component(logger, "sharemgr"),
		shares:    make(map[string]*domain.Share),
		servers:   make(map[string]FileServer),
		resume:    make(map[string]struct{}),
	}
	if m.newServer == nil {
		m.newServer = func(path, passcode string) FileServer {
			return fileserver.New(path, passcode, logger)
		}
	}
	router.SetPublisher(m.bus)
	if tun != nil {
		tun.SetPublisher(events.PublisherFunc(m.relayTunnel))
	}
	return m
}

// Subscribe returns a channel of manager, proxy and tunnel events and a
// function that cancels the subscription.
func (m *Manager) Subscribe(buffer int) (<-chan events.Event, func()) {
	return m.bus.Subscribe(buffer)
}

func (m *Manager) publish(ev events.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.bus.Publish(ev)
}

func (m *Manager) relayTunnel(ev events.Event) {
	switch ev.Kind {
	case events.TunnelStarted:
		m.log.Info("tunnel connected, shares reachable publicly", "domain", m.cfg.Domain)
	case events.TunnelStopped:
		m.log.Info("tunnel stopped, shares reachable locally only")
	case events.TunnelError:
		m.log.Warn("tunnel error", "err", ev.Err)
	}
	m.publish(ev)
}

// Start resets in-memory state, starts the proxy listener and the tunnel
// concurrently, then restores persisted shares. A tunnel failure leaves the
// manager running in local-only mode. Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.Running() {
		return nil
	}

	m.reset(ctx)
	if m.cfg.FreshStart {
		if err := m.store.Clear(); err != nil {
			m.log.Warn("failed to clear persisted shares", "err", err)
		} else {
			m.log.Info("fresh start, persisted shares cleared", "path", m.store.Path())
		}
	}

	tunnelUp := false
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := m.router.Start(gctx); err != nil {
			return fmt.Errorf("start proxy: %w", err)
		}
		return nil
	})
	if m.tunnel != nil {
		g.Go(func() error {
			if err := m.tunnel.Start(gctx); err != nil {
				m.log.Warn("tunnel failed to start, running in local-only mode", "err", err)
				return nil
			}
			tunnelUp = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if tunnelUp {
			_ = m.tunnel.Stop(ctx)
		}
		m.publish(events.Event{Kind: events.Error, Err: err.Error()})
		return err
	}

	m.loadShares(ctx)

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	port := m.router.Port()
	m.log.Info("share manager started", "proxy_port", port, "shares", len(m.order), "tunnel", tunnelUp)
	m.publish(events.Event{Kind: events.Started, Port: port})
	return nil
}

// reset stops leftover file servers and drops in-memory state.
func (m *Manager) reset(ctx context.Context) {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]FileServer)
	m.shares = make(map[string]*domain.Share)
	m.order = nil
	m.resume = make(map[string]struct{})
	m.mu.Unlock()

	for id, srv := range servers {
		if err := srv.Stop(ctx); err != nil {
			m.log.Warn("failed to stop leftover file server", "share_id", id, "err", err)
		}
	}
	m.router.ClearRoutes()
}

// loadShares rebuilds routes for every persisted share and restarts the ones
// persisted as active. A failed restart demotes the share to inactive.
func (m *Manager) loadShares(ctx context.Context) {
	stored, err := m.store.Load()
	if err != nil {
		m.log.Error("failed to load persisted shares, starting empty", "err", err)
		return
	}

	var restore []string
	m.mu.Lock()
	for _, sh := range stored {
		if sh.ID == "" {
			m.log.Warn("skipping persisted share without id", "path", sh.Path)
			continue
		}
		if _, dup := m.shares[sh.ID]; dup {
			m.log.Warn("skipping duplicate persisted share", "share_id", sh.ID)
			continue
		}
		if sh.Active() {
			restore = append(restore, sh.ID)
		}
		sh.Status = domain.ShareStatusInactive
		share := sh.Clone()
		m.shares[sh.ID] = &share
		m.order = append(m.order, sh.ID)
	}
	routes := make([]domain.Route, 0, len(m.order))
	for _, id := range m.order {
		routes = append(routes, m.shares[id].Route())
	}
	m.mu.Unlock()

	for _, r := range routes {
		m.router.AddRoute(r)
	}

	restored := 0
	for _, id := range restore {
		if err := m.startShare(ctx, id); err != nil {
			m.log.Warn("failed to restart share, marked inactive", "share_id", id, "err", err)
			continue
		}
		restored++
	}
	if len(stored) > 0 {
		m.log.Info("shares restored", "total", len(m.order), "active", restored)
	}
	m.persist()
}

// Stop stops every file server, the proxy listener and the tunnel. Shares it
// deactivates stay persisted as active, so the next Start restores them even
// if the registry is changed in between.
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if !m.Running() {
		return nil
	}

	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]FileServer)
	for id := range servers {
		if sh, ok := m.shares[id]; ok {
			sh.Status = domain.ShareStatusInactive
			m.resume[id] = struct{}{}
		}
	}
	m.mu.Unlock()

	var errs []error
	for id, srv := range servers {
		if err := srv.Stop(ctx); err != nil {
			m.log.Warn("failed to stop file server", "share_id", id, "err", err)
			errs = append(errs, err)
		}
		m.router.UpdateRouteStatus(id, false)
	}
	if err := m.router.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop proxy: %w", err))
	}
	if m.tunnel != nil {
		if err := m.tunnel.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop tunnel: %w", err))
		}
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.log.Info("share manager stopped")
	m.publish(events.Event{Kind: events.Stopped})
	return errors.Join(errs...)
}

// Running reports whether Start has completed and Stop has not been called.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// ProxyPort returns the port the proxy listens on.
func (m *Manager) ProxyPort() int {
	return m.router.Port()
}

// TunnelStatus returns a snapshot of the tunnel state.
func (m *Manager) TunnelStatus() domain.TunnelStatus {
	if m.tunnel == nil {
		return domain.TunnelStatus{State: domain.TunnelStateStopped, Error: noTunnelConfigured}
	}
	return m.tunnel.Status()
}

func (m *Manager) persist() {
	m.mu.RLock()
	shares := make([]domain.Share, 0, len(m.order))
	for _, id := range m.order {
		sh := m.shares[id].Clone()
		if _, ok := m.resume[id]; ok {
			sh.Status = domain.ShareStatusActive
		}
		shares = append(shares, sh)
	}
	m.mu.RUnlock()
	if err := m.store.Save(shares); err != nil {
		m.log.Error("failed to persist shares", "err", err)
	}
}
