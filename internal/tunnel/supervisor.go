// Package tunnel supervises the external tunnel client process (cloudflared)
// that makes the local proxy reachable on every subdomain of the public
// domain.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pocketfileshare/pocketshare/internal/domain"
	"github.com/pocketfileshare/pocketshare/internal/events"
	ilog "github.com/pocketfileshare/pocketshare/internal/log"
)

const (
	defaultBinary           = "cloudflared"
	defaultProbeTimeout     = 3 * time.Second
	defaultReadyTimeout     = 45 * time.Second
	defaultStopGrace        = 5 * time.Second
	defaultReadyConnections = 1
	outputWaitDelay         = time.Second
	maxOutputLine           = 1 << 20
)

// Config describes the tunnel and how to supervise its client.
type Config struct {
	TunnelID  string
	Domain    string
	ProxyPort int

	// Binary is the tunnel client executable.
	Binary string
	// ConfigDir holds "<TunnelID>.json" credentials and receives config.yml.
	ConfigDir string

	ProbeTimeout time.Duration
	ReadyTimeout time.Duration
	StopGrace    time.Duration

	// ReadyConnections is how many registered connections count as ready.
	ReadyConnections int

	Classifier Classifier
}

func (c *Config) applyDefaults() {
	if c.Binary == "" {
		c.Binary = defaultBinary
	}
	if c.ConfigDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.ConfigDir = filepath.Join(home, ".cloudflared")
		}
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.ReadyConnections <= 0 {
		c.ReadyConnections = defaultReadyConnections
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier
	}
}

// Supervisor owns exactly one tunnel client process.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	pubMu sync.RWMutex
	pub   events.Publisher

	mu        sync.Mutex
	state     domain.TunnelState
	proc      *process
	stopping  bool
	lastErr   string
	startTime *time.Time
}

type process struct {
	cmd         *exec.Cmd
	ready       chan struct{}
	readyOnce   sync.Once
	exited      chan struct{}
	connections atomic.Int32

	fatalMu   sync.Mutex
	lastFatal string
}

func (p *process) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *process) setLastFatal(line string) {
	p.fatalMu.Lock()
	p.lastFatal = line
	p.fatalMu.Unlock()
}

func (p *process) fatalLine() string {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.lastFatal
}

// exitCode is valid once exited is closed.
func (p *process) exitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// New creates a stopped supervisor.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:   cfg,
		log:   ilog.Component(logger, "tunnel"),
		pub:   events.Discard,
		state: domain.TunnelStateStopped,
	}
}

// SetPublisher installs the event sink. A nil publisher discards events.
func (s *Supervisor) SetPublisher(pub events.Publisher) {
	if pub == nil {
		pub = events.Discard
	}
	s.pubMu.Lock()
	s.pub = pub
	s.pubMu.Unlock()
}

func (s *Supervisor) publish(kind events.Kind, status domain.TunnelStatus, errMsg string) {
	s.pubMu.RLock()
	pub := s.pub
	s.pubMu.RUnlock()
	pub.Publish(events.Event{Kind: kind, Tunnel: &status, Err: errMsg})
}

// Start checks prerequisites, writes the ingress config, spawns the client
// and waits for it to register a connection. It is a no-op while running and
// returns ErrTunnelStarting while another Start is still waiting.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case domain.TunnelStateRunning:
		s.mu.Unlock()
		s.log.Info("tunnel already running")
		return nil
	case domain.TunnelStateStarting:
		s.mu.Unlock()
		return domain.ErrTunnelStarting
	}
	s.state = domain.TunnelStateStarting
	s.mu.Unlock()

	s.log.Info("starting tunnel", "tunnel_id", s.cfg.TunnelID, "domain", s.cfg.Domain)
	proc, err := s.launch(ctx)
	if err != nil {
		s.fail(err)
		return err
	}

	now := time.Now()
	s.mu.Lock()
	if s.proc != proc {
		// exited between readiness and here
		s.mu.Unlock()
		err := s.exitError(proc)
		s.fail(err)
		return err
	}
	s.state = domain.TunnelStateRunning
	s.startTime = &now
	s.lastErr = ""
	status := s.statusLocked()
	s.mu.Unlock()

	s.log.Info("tunnel started", "public", "https://*."+s.cfg.Domain, "connections", status.Connections)
	s.publish(events.TunnelStarted, status, "")
	return nil
}

func (s *Supervisor) launch(ctx context.Context) (*process, error) {
	if err := s.checkInstalled(ctx); err != nil {
		return nil, err
	}
	if err := s.checkCredentials(); err != nil {
		return nil, err
	}
	cfgPath, err := writeIngressConfig(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("write tunnel config: %w", err)
	}
	s.log.Debug("tunnel config written", "path", cfgPath)

	cmd := exec.Command(s.cfg.Binary, "tunnel", "--config", cfgPath, "run", s.cfg.TunnelID)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = outputWaitDelay
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start tunnel client: %w", err)
	}
	s.log.Info("tunnel client spawned", "pid", cmd.Process.Pid)

	proc := &process{
		cmd:    cmd,
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	go s.readOutput(proc, pr)
	go s.wait(proc, pw)

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-proc.ready:
		return proc, nil
	case <-proc.exited:
		return nil, s.exitError(proc)
	case <-timer.C:
		s.log.Error("tunnel startup timeout, no connections established", "timeout", s.cfg.ReadyTimeout)
		s.abandon(ctx, proc)
		return nil, fmt.Errorf("%w: no connection registered within %s", domain.ErrStartupTimeout, s.cfg.ReadyTimeout)
	case <-ctx.Done():
		s.abandon(ctx, proc)
		return nil, ctx.Err()
	}
}

// abandon shuts down a client that never became ready. The caller's context
// may already be done, so the final wait after the kill is bounded by
// StopGrace instead.
func (s *Supervisor) abandon(ctx context.Context, proc *process) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.cfg.StopGrace)
	defer cancel()
	if err := s.shutdown(waitCtx, proc); err != nil {
		s.log.Warn("tunnel client not reaped after kill", "err", err)
	}
}

// shutdown terminates the client's process group and kills it if it is still
// alive after StopGrace. It returns once the client has been reaped or ctx is
// done.
func (s *Supervisor) shutdown(ctx context.Context, proc *process) error {
	if err := terminate(proc.cmd.Process); err != nil {
		s.log.Debug("terminate tunnel client", "err", err)
	}

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-proc.exited:
		return nil
	case <-grace.C:
	}
	s.log.Warn("tunnel client ignored termination, killing", "grace", s.cfg.StopGrace)
	_ = kill(proc.cmd.Process)
	select {
	case <-proc.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) checkInstalled(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	if err := exec.CommandContext(probeCtx, s.cfg.Binary, "--version").Run(); err != nil {
		return fmt.Errorf("%w: %s not installed: %v", domain.ErrPrerequisiteMissing, s.cfg.Binary, err)
	}
	return nil
}

func (s *Supervisor) checkCredentials() error {
	if s.cfg.TunnelID == "" {
		return fmt.Errorf("%w: no tunnel id configured", domain.ErrPrerequisiteMissing)
	}
	path := s.cfg.credentialsPath()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: tunnel credentials not found at %s", domain.ErrPrerequisiteMissing, path)
	}
	return nil
}

func (s *Supervisor) readOutput(proc *process, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for sc.Scan() {
		line := sc.Text()
		s.log.Debug("tunnel output", "source", "cloudflared", "line", line)
		switch s.cfg.Classifier.Classify(line) {
		case SignalReady:
			n := proc.connections.Add(1)
			s.log.Info("tunnel connection registered", "connections", n)
			if int(n) >= s.cfg.ReadyConnections {
				proc.markReady()
			}
		case SignalFatal:
			proc.setLastFatal(line)
			s.log.Warn("tunnel client reported an error", "line", line)
		}
	}
	// keep the client from blocking on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) wait(proc *process, pw *io.PipeWriter) {
	err := proc.cmd.Wait()
	_ = pw.Close()
	close(proc.exited)

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		s.log.Warn("tunnel client wait failed", "err", err)
	}
	s.handleExit(proc)
}

// handleExit runs once per process, after the client has been reaped.
func (s *Supervisor) handleExit(proc *process) {
	code := proc.exitCode()

	s.mu.Lock()
	if s.proc != proc {
		s.mu.Unlock()
		s.log.Debug("stale tunnel client exited", "code", code)
		return
	}
	s.proc = nil
	unexpected := s.state == domain.TunnelStateRunning && !s.stopping
	if unexpected {
		s.state = domain.TunnelStateStopped
		s.lastErr = fmt.Sprintf("tunnel client exited unexpectedly with code %d", code)
	}
	status := s.statusLocked()
	s.mu.Unlock()

	s.log.Info("tunnel client exited", "code", code)
	if unexpected {
		s.log.Warn("tunnel disconnected, shares only reachable locally")
		s.publish(events.TunnelStopped, status, status.Error)
	}
}

func (s *Supervisor) exitError(proc *process) error {
	return &domain.ExitError{Code: proc.exitCode(), LastFatal: proc.fatalLine()}
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.state = domain.TunnelStateError
	s.lastErr = err.Error()
	s.startTime = nil
	s.proc = nil
	status := s.statusLocked()
	s.mu.Unlock()

	s.log.Error("failed to start tunnel", "err", err)
	s.publish(events.TunnelError, status, err.Error())
}

// Stop terminates the client, escalating to a kill after the grace period.
// It is a no-op unless the tunnel is running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.TunnelStateRunning || s.proc == nil {
		s.mu.Unlock()
		return nil
	}
	proc := s.proc
	s.stopping = true
	s.mu.Unlock()

	s.log.Info("stopping tunnel")
	err := s.shutdown(ctx, proc)

	s.mu.Lock()
	s.state = domain.TunnelStateStopped
	s.stopping = false
	s.startTime = nil
	if s.proc == proc {
		s.proc = nil
	}
	status := s.statusLocked()
	s.mu.Unlock()

	s.log.Info("tunnel stopped")
	s.publish(events.TunnelStopped, status, "")
	return err
}

// Status returns a snapshot copy of the supervisor state.
func (s *Supervisor) Status() domain.TunnelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() domain.TunnelStatus {
	st := domain.TunnelStatus{
		IsRunning: s.state == domain.TunnelStateRunning,
		State:     s.state,
		TunnelID:  s.cfg.TunnelID,
		Error:     s.lastErr,
	}
	if s.startTime != nil {
		t := *s.startTime
		st.StartTime = &t
	}
	if s.proc != nil {
		st.Connections = int(s.proc.connections.Load())
	}
	return st
}
