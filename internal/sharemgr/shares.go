package sharemgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/pocketfileshare/pocketshare/internal/domain"
	"github.com/pocketfileshare/pocketshare/internal/events"
	"github.com/pocketfileshare/pocketshare/internal/proxy"
)

// CreateShare registers an inactive share for the directory at path with a
// disabled route. An empty passcode is replaced by a generated one.
func (m *Manager) CreateShare(path, passcode string) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", domain.ErrInvalidPath, abs)
	}

	if passcode == "" {
		if passcode, err = proxy.NewPasscode(); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	id, err := m.newIDLocked()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	port, ok := m.freePortLocked(m.cfg.SharePortStart, "")
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: range %d-%d exhausted", domain.ErrNoAvailablePort, m.cfg.SharePortStart, m.cfg.SharePortEnd)
	}
	share := &domain.Share{
		ID:        id,
		Path:      abs,
		Passcode:  passcode,
		Port:      port,
		Status:    domain.ShareStatusInactive,
		Name:      filepath.Base(abs),
		CreatedAt: time.Now().UTC(),
	}
	m.shares[id] = share
	m.order = append(m.order, id)
	snapshot := share.Clone()
	m.mu.Unlock()

	m.persist()
	m.router.AddRoute(snapshot.Route())

	m.log.Info("share created", "share_id", id, "path", abs, "port", port)
	m.publish(events.Event{Kind: events.ShareCreated, ShareID: id, Share: &snapshot})
	return id, nil
}

func (m *Manager) newIDLocked() (string, error) {
	for range maxIDAttempts {
		id, err := proxy.NewShareID()
		if err != nil {
			return "", err
		}
		if _, taken := m.shares[id]; !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique share id after %d attempts", maxIDAttempts)
}

// freePortLocked scans the configured range from start for a port no share
// other than exclude holds.
func (m *Manager) freePortLocked(start int, exclude string) (int, bool) {
	if start < m.cfg.SharePortStart {
		start = m.cfg.SharePortStart
	}
	held := make(map[int]struct{}, len(m.shares))
	for id, sh := range m.shares {
		if id != exclude {
			held[sh.Port] = struct{}{}
		}
	}
	for p := start; p <= m.cfg.SharePortEnd; p++ {
		if _, ok := held[p]; !ok {
			return p, true
		}
	}
	return 0, false
}

func (m *Manager) portHeldByOther(id string, port int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for other, sh := range m.shares {
		if other != id && sh.Port == port {
			return true
		}
	}
	return false
}

// StartShare starts the file server for a share and enables its route. When
// the server binds a port other than the recorded one, the share and its
// route move to the bound port.
func (m *Manager) StartShare(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.startShare(ctx, id); err != nil {
		return err
	}
	m.persist()
	return nil
}

func (m *Manager) startShare(ctx context.Context, id string) error {
	m.mu.RLock()
	cur, ok := m.shares[id]
	var sh domain.Share
	if ok {
		sh = cur.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return &domain.ShareError{ShareID: id, Op: "start", Err: domain.ErrShareNotFound}
	}
	if sh.Active() {
		return nil
	}

	srv, port, err := m.launch(ctx, sh)
	if err != nil {
		return &domain.ShareError{ShareID: id, Op: "start", Err: err}
	}

	now := time.Now().UTC()
	m.mu.Lock()
	cur = m.shares[id]
	moved := cur.Port != port
	oldPort := cur.Port
	cur.Port = port
	cur.Status = domain.ShareStatusActive
	cur.LastAccessed = &now
	m.servers[id] = srv
	delete(m.resume, id)
	snapshot := cur.Clone()
	m.mu.Unlock()

	if moved {
		m.log.Info("share port changed", "share_id", id, "from", oldPort, "to", port)
		m.router.AddRoute(snapshot.Route())
	} else if !m.router.UpdateRouteStatus(id, true) {
		m.router.AddRoute(snapshot.Route())
	}

	m.log.Info("share started", "share_id", id, "port", port)
	m.publish(events.Event{Kind: events.ShareStarted, ShareID: id, Share: &snapshot, Port: port})
	return nil
}

// launch starts a file server for sh. A server that lands on a port another
// share holds is stopped and retried from the next free port.
func (m *Manager) launch(ctx context.Context, sh domain.Share) (FileServer, int, error) {
	preferred := sh.Port
	for range maxPortReconciles {
		srv := m.newServer(sh.Path, sh.Passcode)
		port, err := srv.Start(ctx, preferred)
		if err != nil {
			return nil, 0, err
		}
		if !m.portHeldByOther(sh.ID, port) {
			return srv, port, nil
		}

		m.log.Warn("file server bound a port held by another share, retrying", "share_id", sh.ID, "port", port)
		if err := srv.Stop(ctx); err != nil {
			m.log.Warn("failed to stop misplaced file server", "share_id", sh.ID, "err", err)
		}
		m.mu.RLock()
		next, ok := m.freePortLocked(port+1, sh.ID)
		m.mu.RUnlock()
		if !ok {
			break
		}
		preferred = next
	}
	return nil, 0, fmt.Errorf("%w: no port free of other shares", domain.ErrNoAvailablePort)
}

// StopShare stops a share's file server and disables its route. Stopping an
// inactive share only cancels a pending restore.
func (m *Manager) StopShare(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	sh, ok := m.shares[id]
	active := ok && sh.Active()
	_, pending := m.resume[id]
	delete(m.resume, id)
	m.mu.Unlock()
	if !ok {
		return &domain.ShareError{ShareID: id, Op: "stop", Err: domain.ErrShareNotFound}
	}
	if !active {
		if pending {
			m.persist()
		}
		return nil
	}

	m.stopShare(ctx, id)
	m.persist()
	return nil
}

func (m *Manager) stopShare(ctx context.Context, id string) {
	m.mu.Lock()
	srv := m.servers[id]
	delete(m.servers, id)
	sh := m.shares[id]
	sh.Status = domain.ShareStatusInactive
	snapshot := sh.Clone()
	m.mu.Unlock()

	if srv != nil {
		if err := srv.Stop(ctx); err != nil {
			m.log.Warn("failed to stop file server", "share_id", id, "err", err)
		}
	}
	m.router.UpdateRouteStatus(id, false)

	m.log.Info("share stopped", "share_id", id)
	m.publish(events.Event{Kind: events.ShareStopped, ShareID: id, Share: &snapshot})
}

// DeleteShare stops the share if needed and removes it and its route.
func (m *Manager) DeleteShare(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	sh, ok := m.shares[id]
	active := ok && sh.Active()
	m.mu.RUnlock()
	if !ok {
		return &domain.ShareError{ShareID: id, Op: "delete", Err: domain.ErrShareNotFound}
	}
	if active {
		m.stopShare(ctx, id)
	}

	m.router.RemoveRoute(id)
	m.mu.Lock()
	snapshot := m.shares[id].Clone()
	delete(m.shares, id)
	delete(m.resume, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.persist()
	m.log.Info("share deleted", "share_id", id)
	m.publish(events.Event{Kind: events.ShareDeleted, ShareID: id, Share: &snapshot})
	return nil
}

// Shares returns copies of all shares in creation order.
func (m *Manager) Shares() []domain.Share {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Share, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.shares[id].Clone())
	}
	return out
}

// Share returns a copy of one share.
func (m *Manager) Share(id string) (domain.Share, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sh, ok := m.shares[id]
	if !ok {
		return domain.Share{}, &domain.ShareError{ShareID: id, Op: "get", Err: domain.ErrShareNotFound}
	}
	return sh.Clone(), nil
}

// ShareURL returns the public URL of a share.
func (m *Manager) ShareURL(id string) (string, error) {
	if _, err := m.Share(id); err != nil {
		return "", err
	}
	return "https://" + id + "." + m.cfg.Domain, nil
}

// ShareQRCode renders the share URL as a size x size PNG.
func (m *Manager) ShareQRCode(id string, size int) ([]byte, error) {
	url, err := m.ShareURL(id)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(url, qrcode.Medium, size)
}
