package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/pocketfileshare/pocketshare/internal/domain"
	"github.com/pocketfileshare/pocketshare/internal/netutil"
)

const (
	healthPath      = "/health"
	requestIDHeader = "X-Request-Id"
)

// ServeHTTP answers the health endpoint on hosts without a subdomain and
// forwards everything else to the route matching the leftmost host label.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain := netutil.SubdomainFromHost(r.Host)
	if subdomain == "" && r.URL.Path == healthPath {
		writeJSON(w, http.StatusOK, p.Health())
		return
	}

	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
		r.Header.Set(requestIDHeader, requestID)
	}

	p.log.Debug("proxy request",
		"method", r.Method,
		"host", r.Host,
		"path", r.URL.RequestURI(),
		"subdomain", subdomain,
		"upgrade", netutil.IsUpgradeRequest(r.Header),
		"request_id", requestID,
	)

	if subdomain == "" {
		writeJSON(w, http.StatusNotFound, domain.ErrorResponse{
			Error:   "Share not found",
			Message: "No subdomain specified",
		})
		return
	}

	p.mu.RLock()
	entry, ok := p.routes[subdomain]
	var (
		active  bool
		forward http.Handler
	)
	if ok {
		active = entry.route.Active
		forward = entry.forward
	}
	p.mu.RUnlock()

	if !ok || !active {
		writeJSON(w, http.StatusNotFound, domain.ErrorResponse{
			Error:   "Share not found",
			Message: fmt.Sprintf("Share '%s' not found or inactive", subdomain),
		})
		return
	}
	if forward == nil {
		writeJSON(w, http.StatusInternalServerError, domain.ErrorResponse{
			Error:   "Proxy configuration error",
			Message: "No forwarding handler found for this route",
		})
		return
	}

	forward.ServeHTTP(w, r)
}

// Health returns a snapshot of listener and route state.
func (p *Proxy) Health() domain.HealthResponse {
	routes := p.Routes()
	resp := domain.HealthResponse{
		Status:      "healthy",
		Port:        p.Port(),
		TotalRoutes: len(routes),
		Routes:      make([]domain.HealthRoute, 0, len(routes)),
	}
	if !p.Running() {
		resp.Status = "stopped"
	}
	for _, r := range routes {
		if r.Active {
			resp.ActiveRoutes++
		}
		resp.Routes = append(resp.Routes, domain.HealthRoute{
			ShareID:   r.ShareID,
			Subdomain: r.Subdomain,
			Active:    r.Active,
		})
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}
