// Package fileserver is the per-share HTTP file API: a passcode-gated view
// of one directory tree bound to its own loopback port.
package fileserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	retry "github.com/sethvargo/go-retry"

	ilog "github.com/pocketfileshare/pocketshare/internal/log"
	"github.com/pocketfileshare/pocketshare/internal/netutil"
)

const (
	defaultBindAttempts = 20
	bindRetryDelay      = 5 * time.Millisecond
	shutdownTimeout     = 5 * time.Second
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Server serves one shared folder.
type Server struct {
	root     string
	passcode string
	log      *slog.Logger

	// BindAttempts bounds how many consecutive ports Start tries.
	BindAttempts int

	events *hub

	mu      sync.Mutex
	srv     *http.Server
	watcher *watcher
	port    int
}

// New creates a server for root guarded by passcode. root must be absolute.
func New(root, passcode string, logger *slog.Logger) *Server {
	return &Server{
		root:         filepath.Clean(root),
		passcode:     passcode,
		log:          ilog.Component(logger, "fileserver").With("root", root),
		BindAttempts: defaultBindAttempts,
		events:       newHub(),
	}
}

// Start binds 127.0.0.1:preferredPort, moving to the next port while the
// current one is taken, and serves until Stop. It returns the bound port.
func (s *Server) Start(ctx context.Context, preferredPort int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return s.port, nil
	}

	ln, err := s.listen(ctx, preferredPort)
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv = srv
	s.port = port

	w, err := newWatcher(s, s.events, s.log)
	if err != nil {
		s.log.Warn("file watcher unavailable, live updates disabled", "err", err)
	} else {
		s.watcher = w
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("file server stopped", "err", err)
		}
	}()

	if port != preferredPort && preferredPort != 0 {
		s.log.Info("preferred port in use, file server moved", "preferred", preferredPort, "port", port)
	}
	s.log.Info("file server started", "port", port)
	return port, nil
}

func (s *Server) listen(ctx context.Context, port int) (net.Listener, error) {
	attempts := s.BindAttempts
	if attempts <= 0 {
		attempts = 1
	}
	first := port
	var ln net.Listener
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(bindRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		l, err := net.Listen("tcp", netutil.LoopbackAddr(port))
		if err == nil {
			ln = l
			return nil
		}
		if port != 0 && netutil.IsAddrInUse(err) {
			port++
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("file server listen from port %d: %w", first, err)
	}
	return ln, nil
}

// Stop shuts the server down and closes live event streams.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	w := s.watcher
	s.srv = nil
	s.watcher = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if w != nil {
		w.Close()
	}
	s.events.closeAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	s.log.Info("file server stopped")
	return err
}

// Port returns the bound port, or 0 when stopped.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return 0
	}
	return s.port
}
