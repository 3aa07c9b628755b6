package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"

	"github.com/pocketfileshare/pocketshare/internal/domain"
	"github.com/pocketfileshare/pocketshare/internal/events"
)

type routeEntry struct {
	route   domain.Route
	forward http.Handler
}

// AddRoute inserts or replaces the route keyed by its subdomain and rebuilds
// the forwarding handler for its target port. A subdomain previously owned
// by another share is taken over.
func (p *Proxy) AddRoute(route domain.Route) {
	forward := p.newForwarder(route)

	p.mu.Lock()
	if existing, ok := p.routes[route.Subdomain]; ok && existing.route.ShareID != route.ShareID {
		p.log.Warn("replacing route owned by another share", "subdomain", route.Subdomain, "previous_share", existing.route.ShareID, "share", route.ShareID)
	}
	p.routes[route.Subdomain] = &routeEntry{route: route, forward: forward}
	p.mu.Unlock()

	p.log.Info("route added", "subdomain", route.Subdomain, "target_port", route.TargetPort, "active", route.Active)
	r := route
	p.publish(events.Event{Kind: events.RouteAdded, ShareID: route.ShareID, Route: &r})
}

// RemoveRoute deletes the route and its forwarding handler. It reports
// whether anything was removed.
func (p *Proxy) RemoveRoute(subdomain string) bool {
	p.mu.Lock()
	entry, ok := p.routes[subdomain]
	if ok {
		delete(p.routes, subdomain)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	p.log.Info("route removed", "subdomain", subdomain)
	r := entry.route
	p.publish(events.Event{Kind: events.RouteRemoved, ShareID: r.ShareID, Route: &r})
	return true
}

// UpdateRouteStatus flips the active flag of an existing route in place.
// It returns false when the subdomain is unknown.
func (p *Proxy) UpdateRouteStatus(subdomain string, active bool) bool {
	p.mu.Lock()
	entry, ok := p.routes[subdomain]
	if ok {
		entry.route.Active = active
	}
	var r domain.Route
	if ok {
		r = entry.route
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	p.log.Info("route status updated", "subdomain", subdomain, "active", active)
	p.publish(events.Event{Kind: events.RouteUpdated, ShareID: r.ShareID, Route: &r})
	return true
}

// Route returns a copy of the route for subdomain.
func (p *Proxy) Route(subdomain string) (domain.Route, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.routes[subdomain]
	if !ok {
		return domain.Route{}, false
	}
	return entry.route, true
}

// Routes returns every route sorted by subdomain.
func (p *Proxy) Routes() []domain.Route {
	p.mu.RLock()
	out := make([]domain.Route, 0, len(p.routes))
	for _, entry := range p.routes {
		out = append(out, entry.route)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Subdomain < out[j].Subdomain })
	return out
}

// ActiveRoutes returns the enabled routes sorted by subdomain.
func (p *Proxy) ActiveRoutes() []domain.Route {
	all := p.Routes()
	out := all[:0]
	for _, r := range all {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// RouteCount returns the number of routes, active or not.
func (p *Proxy) RouteCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.routes)
}

// ClearRoutes drops every route.
func (p *Proxy) ClearRoutes() {
	p.mu.Lock()
	n := len(p.routes)
	p.routes = make(map[string]*routeEntry)
	p.mu.Unlock()

	p.log.Info("routes cleared", "count", n)
	p.publish(events.Event{Kind: events.RoutesCleared})
}

func (p *Proxy) newForwarder(route domain.Route) http.Handler {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", route.TargetPort)}
	subdomain := route.Subdomain
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Warn("proxy forward failed", "subdomain", subdomain, "target_port", target.Port(), "request_id", r.Header.Get(requestIDHeader), "err", fmt.Errorf("%w: %v", domain.ErrProxyForward, err))
			writeJSON(w, http.StatusInternalServerError, domain.ErrorResponse{
				Error:   "Proxy error",
				Message: "Internal proxy error occurred",
			})
		},
	}
}
