// Package proxy implements the single public HTTP listener that routes each
// request by its leftmost host label to the local port of the matching share.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/pocketfileshare/pocketshare/internal/domain"
	"github.com/pocketfileshare/pocketshare/internal/events"
	ilog "github.com/pocketfileshare/pocketshare/internal/log"
	"github.com/pocketfileshare/pocketshare/internal/netutil"
)

const (
	defaultBindAttempts = 10
	bindRetryDelay      = 10 * time.Millisecond
	readHeaderTimeout   = 10 * time.Second
)

// Config controls the listener.
type Config struct {
	// Host is the listen host; empty listens on all interfaces.
	Host string
	// Port is the first port tried. Zero asks the OS for an ephemeral port.
	Port int
	// BindAttempts bounds how many consecutive ports are tried when the
	// previous one is in use.
	BindAttempts int
}

// Proxy is the route table plus the listener serving it. The route set is
// independent of the listener: routes may be changed while stopped.
type Proxy struct {
	cfg Config
	log *slog.Logger

	pubMu sync.RWMutex
	pub   events.Publisher

	mu     sync.RWMutex
	routes map[string]*routeEntry

	srvMu  sync.Mutex
	server *http.Server
	ln     net.Listener
	port   int
}

// New creates a proxy; call Start to bind the listener.
func New(cfg Config, logger *slog.Logger) *Proxy {
	if cfg.BindAttempts <= 0 {
		cfg.BindAttempts = defaultBindAttempts
	}
	return &Proxy{
		cfg:    cfg,
		log:    ilog.Component(logger, "proxy"),
		pub:    events.Discard,
		routes: make(map[string]*routeEntry),
		port:   cfg.Port,
	}
}

// SetPublisher installs the event sink. A nil publisher discards events.
func (p *Proxy) SetPublisher(pub events.Publisher) {
	if pub == nil {
		pub = events.Discard
	}
	p.pubMu.Lock()
	p.pub = pub
	p.pubMu.Unlock()
}

func (p *Proxy) publish(ev events.Event) {
	p.pubMu.RLock()
	pub := p.pub
	p.pubMu.RUnlock()
	pub.Publish(ev)
}

// Start binds the listener and begins serving. When the configured port is
// taken it moves on to the next higher port, up to BindAttempts ports, and
// then fails with [domain.ErrNoPortAvailable]. Start on a running proxy
// returns the bound port.
func (p *Proxy) Start(ctx context.Context) (int, error) {
	p.srvMu.Lock()
	defer p.srvMu.Unlock()
	if p.server != nil {
		return p.port, nil
	}

	ln, err := p.listen(ctx)
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(p.log.Handler(), slog.LevelDebug),
	}
	p.server = srv
	p.ln = ln
	p.port = port

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("proxy listener stopped", "err", err)
		}
	}()

	p.log.Info("dynamic proxy started", "port", port, "routes", p.RouteCount())
	p.publish(events.Event{Kind: events.ProxyStarted, Port: port})
	return port, nil
}

func (p *Proxy) listen(ctx context.Context) (net.Listener, error) {
	port := p.cfg.Port
	var ln net.Listener

	backoff := retry.WithMaxRetries(uint64(p.cfg.BindAttempts-1), retry.NewConstant(bindRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		l, err := net.Listen("tcp", net.JoinHostPort(p.cfg.Host, strconv.Itoa(port)))
		if err == nil {
			ln = l
			return nil
		}
		if port != 0 && netutil.IsAddrInUse(err) {
			p.log.Warn("proxy port in use, trying next", "port", port, "next", port+1)
			port++
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if netutil.IsAddrInUse(err) {
			return nil, fmt.Errorf("%w: %d attempts starting at port %d: %v", domain.ErrNoPortAvailable, p.cfg.BindAttempts, p.cfg.Port, err)
		}
		return nil, fmt.Errorf("proxy listen: %w", err)
	}
	return ln, nil
}

// Stop closes the listener. In-flight requests are not waited for.
func (p *Proxy) Stop(context.Context) error {
	p.srvMu.Lock()
	srv := p.server
	p.server = nil
	p.ln = nil
	p.srvMu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	p.log.Info("dynamic proxy stopped")
	p.publish(events.Event{Kind: events.ProxyStopped})
	return err
}

// Running reports whether the listener is bound.
func (p *Proxy) Running() bool {
	p.srvMu.Lock()
	defer p.srvMu.Unlock()
	return p.server != nil
}

// Port returns the bound port, or the configured port before Start.
func (p *Proxy) Port() int {
	p.srvMu.Lock()
	defer p.srvMu.Unlock()
	return p.port
}
