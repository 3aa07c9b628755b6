// Package domain defines the core data types shared by the share manager,
// the routing proxy, the tunnel supervisor, and the registry store.
package domain

import (
	"path/filepath"
	"time"
)

// ShareStatus tracks whether a share currently has a live file server.
type ShareStatus string

// Share status values.
const (
	ShareStatusActive   ShareStatus = "active"
	ShareStatusInactive ShareStatus = "inactive"
)

// Share is a persisted sharing unit: one local folder exposed on its own
// subdomain behind a passcode.
type Share struct {
	ID           string      `json:"id"`
	Path         string      `json:"path"`
	Passcode     string      `json:"passcode"`
	Port         int         `json:"port"`
	Status       ShareStatus `json:"status"`
	Name         string      `json:"name,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastAccessed *time.Time  `json:"lastAccessed,omitempty"`
}

// Active reports whether the share is marked active.
func (s Share) Active() bool {
	return s.Status == ShareStatusActive
}

// DisplayName returns the stored name or the folder base name.
func (s Share) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.Base(s.Path)
}

// Route returns the proxy route that mirrors the share.
func (s Share) Route() Route {
	return Route{
		ShareID:    s.ID,
		Subdomain:  s.ID,
		TargetPort: s.Port,
		Active:     s.Active(),
	}
}

// Clone returns a deep copy safe to hand out to callers.
func (s Share) Clone() Share {
	out := s
	if s.LastAccessed != nil {
		t := *s.LastAccessed
		out.LastAccessed = &t
	}
	return out
}

// Route is the in-memory forwarding rule the proxy keeps for a subdomain.
type Route struct {
	ShareID    string
	Subdomain  string
	TargetPort int
	Active     bool
}

// TunnelState is the supervisor lifecycle state.
type TunnelState string

// Tunnel states.
const (
	TunnelStateStopped  TunnelState = "stopped"
	TunnelStateStarting TunnelState = "starting"
	TunnelStateRunning  TunnelState = "running"
	TunnelStateError    TunnelState = "error"
)

// TunnelStatus is a point-in-time snapshot of the tunnel supervisor.
type TunnelStatus struct {
	IsRunning   bool        `json:"isRunning"`
	State       TunnelState `json:"state,omitempty"`
	TunnelID    string      `json:"tunnelId,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartTime   *time.Time  `json:"startTime,omitempty"`
	Connections int         `json:"connections,omitempty"`
}
