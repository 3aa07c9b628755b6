package sharemgr

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketfileshare/pocketshare/internal/domain"
	"github.com/pocketfileshare/pocketshare/internal/events"
	"github.com/pocketfileshare/pocketshare/internal/proxy"
	"github.com/pocketfileshare/pocketshare/internal/store/jsonfile"
	"github.com/pocketfileshare/pocketshare/internal/tunnel"
)

type fakeServer struct {
	f        *fakeFactory
	path     string
	passcode string
	port     int
	stopped  bool
}

func (s *fakeServer) Start(_ context.Context, preferred int) (int, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.f.failPaths[s.path]; err != nil {
		return 0, err
	}
	s.port = preferred
	if s.f.bind != nil {
		s.port = s.f.bind(s.path, preferred)
	}
	return s.port, nil
}

func (s *fakeServer) Stop(context.Context) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.stopped = true
	return nil
}

type fakeFactory struct {
	mu        sync.Mutex
	servers   []*fakeServer
	bind      func(path string, preferred int) int
	failPaths map[string]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{failPaths: map[string]error{}}
}

func (f *fakeFactory) New(path, passcode string) FileServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeServer{f: f, path: path, passcode: passcode}
	f.servers = append(f.servers, s)
	return s
}

func (f *fakeFactory) live() []*fakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeServer
	for _, s := range f.servers {
		if !s.stopped {
			out = append(out, s)
		}
	}
	return out
}

func testConfig(t *testing.T) Config {
	return Config{
		SharePortStart: 50000,
		SharePortEnd:   50010,
		DataDir:        t.TempDir(),
		Domain:         "example.com",
	}
}

func newTestManager(t *testing.T, cfg Config, f *fakeFactory) (*Manager, *proxy.Proxy) {
	t.Helper()
	px := proxy.New(proxy.Config{Host: "127.0.0.1"}, nil)
	var factory FileServerFactory
	if f != nil {
		factory = f.New
	}
	m := New(cfg, px, nil, factory, nil)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, px
}

func mkdirs(t *testing.T, names ...string) []string {
	t.Helper()
	root := t.TempDir()
	out := make([]string, 0, len(names))
	for _, n := range names {
		p := filepath.Join(root, n)
		require.NoError(t, os.MkdirAll(p, 0o755))
		out = append(out, p)
	}
	return out
}

func TestCreateShareAllocatesDistinctIDsAndPorts(t *testing.T) {
	m, px := newTestManager(t, testConfig(t), newFakeFactory())
	dirs := mkdirs(t, "a", "b", "c", "d", "e")

	ids := map[string]bool{}
	ports := map[int]bool{}
	for i, d := range dirs {
		id, err := m.CreateShare(d, "")
		require.NoError(t, err)
		assert.True(t, proxy.ValidShareID(id))
		ids[id] = true

		sh, err := m.Share(id)
		require.NoError(t, err)
		assert.Equal(t, 50000+i, sh.Port)
		assert.Equal(t, domain.ShareStatusInactive, sh.Status)
		assert.Len(t, sh.Passcode, 6)
		assert.Equal(t, filepath.Base(d), sh.Name)
		ports[sh.Port] = true

		r, ok := px.Route(id)
		require.True(t, ok)
		assert.False(t, r.Active)
		assert.Equal(t, sh.Port, r.TargetPort)
	}
	assert.Len(t, ids, 5)
	assert.Len(t, ports, 5)

	shares := m.Shares()
	require.Len(t, shares, 5)
	assert.Equal(t, dirs[0], shares[0].Path)
	assert.Equal(t, dirs[4], shares[4].Path)
}

func TestCreateShareKeepsGivenPasscode(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t), newFakeFactory())
	id, err := m.CreateShare(mkdirs(t, "a")[0], "424242")
	require.NoError(t, err)
	sh, err := m.Share(id)
	require.NoError(t, err)
	assert.Equal(t, "424242", sh.Passcode)
}

func TestCreateShareRejectsInvalidPath(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t), newFakeFactory())

	_, err := m.CreateShare(filepath.Join(t.TempDir(), "missing"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidPath)

	file := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = m.CreateShare(file, "")
	assert.ErrorIs(t, err, domain.ErrInvalidPath)
	assert.Empty(t, m.Shares())
}

func TestCreateShareExhaustsPortRange(t *testing.T) {
	cfg := testConfig(t)
	cfg.SharePortEnd = cfg.SharePortStart + 1
	m, _ := newTestManager(t, cfg, newFakeFactory())
	dirs := mkdirs(t, "a", "b", "c")

	_, err := m.CreateShare(dirs[0], "")
	require.NoError(t, err)
	_, err = m.CreateShare(dirs[1], "")
	require.NoError(t, err)
	_, err = m.CreateShare(dirs[2], "")
	assert.ErrorIs(t, err, domain.ErrNoAvailablePort)
	assert.Len(t, m.Shares(), 2)
}

func TestDeletedPortIsReused(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t), newFakeFactory())
	dirs := mkdirs(t, "a", "b", "c")
	a, err := m.CreateShare(dirs[0], "")
	require.NoError(t, err)
	_, err = m.CreateShare(dirs[1], "")
	require.NoError(t, err)
	require.NoError(t, m.DeleteShare(context.Background(), a))

	c, err := m.CreateShare(dirs[2], "")
	require.NoError(t, err)
	sh, err := m.Share(c)
	require.NoError(t, err)
	assert.Equal(t, 50000, sh.Port)
}

func TestShareLifecycleThroughProxy(t *testing.T) {
	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := free.Addr().(*net.TCPAddr).Port
	require.NoError(t, free.Close())

	cfg := testConfig(t)
	cfg.SharePortStart = base
	cfg.SharePortEnd = base + 20
	m, px := newTestManager(t, cfg, nil)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	dir := mkdirs(t, "a")[0]
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644))
	id, err := m.CreateShare(dir, "135790")
	require.NoError(t, err)

	get := func() int {
		req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:"+strconv.Itoa(m.ProxyPort())+"/api/preview/hello.txt?auth=135790", nil)
		require.NoError(t, err)
		req.Host = id + ".example.com"
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		return res.StatusCode
	}

	assert.Equal(t, http.StatusNotFound, get())

	require.NoError(t, m.StartShare(ctx, id))
	sh, err := m.Share(id)
	require.NoError(t, err)
	assert.True(t, sh.Active())
	r, ok := px.Route(id)
	require.True(t, ok)
	assert.True(t, r.Active)
	assert.Equal(t, sh.Port, r.TargetPort)
	assert.Equal(t, http.StatusOK, get())

	require.NoError(t, m.StopShare(ctx, id))
	sh, err = m.Share(id)
	require.NoError(t, err)
	assert.False(t, sh.Active())
	assert.Equal(t, http.StatusNotFound, get())

	require.NoError(t, m.DeleteShare(ctx, id))
	_, ok = px.Route(id)
	assert.False(t, ok)
	err = m.StartShare(ctx, id)
	assert.ErrorIs(t, err, domain.ErrShareNotFound)
}

func TestStartShareIsIdempotent(t *testing.T) {
	f := newFakeFactory()
	m, px := newTestManager(t, testConfig(t), f)
	ctx := context.Background()
	id, err := m.CreateShare(mkdirs(t, "a")[0], "")
	require.NoError(t, err)

	require.NoError(t, m.StartShare(ctx, id))
	require.NoError(t, m.StartShare(ctx, id))
	assert.Len(t, f.live(), 1)
	assert.Equal(t, 1, px.RouteCount())

	require.NoError(t, m.StopShare(ctx, id))
	require.NoError(t, m.StopShare(ctx, id))
	assert.Empty(t, f.live())
	r, ok := px.Route(id)
	require.True(t, ok)
	assert.False(t, r.Active)
}

func TestUnknownShareOperations(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t), newFakeFactory())
	ctx := context.Background()

	var se *domain.ShareError
	err := m.StartShare(ctx, "mccmissing")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "start", se.Op)
	assert.ErrorIs(t, err, domain.ErrShareNotFound)
	assert.ErrorIs(t, m.StopShare(ctx, "mccmissing"), domain.ErrShareNotFound)
	assert.ErrorIs(t, m.DeleteShare(ctx, "mccmissing"), domain.ErrShareNotFound)
	_, err = m.ShareURL("mccmissing")
	assert.ErrorIs(t, err, domain.ErrShareNotFound)
}

func TestStartShareFollowsActualPort(t *testing.T) {
	f := newFakeFactory()
	f.bind = func(_ string, preferred int) int { return preferred + 7 }
	m, px := newTestManager(t, testConfig(t), f)
	ctx := context.Background()
	id, err := m.CreateShare(mkdirs(t, "a")[0], "")
	require.NoError(t, err)

	require.NoError(t, m.StartShare(ctx, id))
	sh, err := m.Share(id)
	require.NoError(t, err)
	assert.Equal(t, 50007, sh.Port)
	r, ok := px.Route(id)
	require.True(t, ok)
	assert.Equal(t, 50007, r.TargetPort)
	assert.True(t, r.Active)

	stored, err := jsonfile.New(m.cfg.DataDir).Load()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 50007, stored[0].Port)
}

func TestStartShareAvoidsPortHeldByAnotherShare(t *testing.T) {
	f := newFakeFactory()
	dirs := mkdirs(t, "a", "b")
	first := true
	f.bind = func(path string, preferred int) int {
		if path == dirs[0] && first {
			first = false
			return 50001
		}
		return preferred
	}
	m, px := newTestManager(t, testConfig(t), f)
	ctx := context.Background()
	a, err := m.CreateShare(dirs[0], "")
	require.NoError(t, err)
	_, err = m.CreateShare(dirs[1], "")
	require.NoError(t, err)

	require.NoError(t, m.StartShare(ctx, a))
	sh, err := m.Share(a)
	require.NoError(t, err)
	assert.Equal(t, 50002, sh.Port)
	r, _ := px.Route(a)
	assert.Equal(t, 50002, r.TargetPort)
	require.Len(t, f.servers, 2)
	assert.True(t, f.servers[0].stopped)
	assert.False(t, f.servers[1].stopped)
}

func TestStartShareFailureLeavesShareInactive(t *testing.T) {
	f := newFakeFactory()
	dir := mkdirs(t, "a")[0]
	boom := errors.New("boom")
	f.failPaths[dir] = boom
	m, px := newTestManager(t, testConfig(t), f)
	id, err := m.CreateShare(dir, "")
	require.NoError(t, err)

	err = m.StartShare(context.Background(), id)
	assert.ErrorIs(t, err, boom)
	sh, err := m.Share(id)
	require.NoError(t, err)
	assert.False(t, sh.Active())
	r, _ := px.Route(id)
	assert.False(t, r.Active)
}

func TestRegistryRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	dirs := mkdirs(t, "a", "b")

	f1 := newFakeFactory()
	m1, _ := newTestManager(t, cfg, f1)
	require.NoError(t, m1.Start(ctx))
	a, err := m1.CreateShare(dirs[0], "111111")
	require.NoError(t, err)
	b, err := m1.CreateShare(dirs[1], "222222")
	require.NoError(t, err)
	require.NoError(t, m1.StartShare(ctx, a))
	before := m1.Shares()
	require.NoError(t, m1.Stop(ctx))
	assert.Empty(t, f1.live())

	f2 := newFakeFactory()
	m2, px2 := newTestManager(t, cfg, f2)
	require.NoError(t, m2.Start(ctx))

	after := m2.Shares()
	require.Len(t, after, 2)
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Path, after[i].Path)
		assert.Equal(t, before[i].Passcode, after[i].Passcode)
		assert.Equal(t, before[i].Port, after[i].Port)
		assert.Equal(t, before[i].Status, after[i].Status)
	}

	ra, ok := px2.Route(a)
	require.True(t, ok)
	assert.True(t, ra.Active)
	rb, ok := px2.Route(b)
	require.True(t, ok)
	assert.False(t, rb.Active)
	assert.Len(t, f2.live(), 1)
}

func TestChangesWhileStoppedKeepSharesToRestore(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	dirs := mkdirs(t, "a", "b")

	f := newFakeFactory()
	m, px := newTestManager(t, cfg, f)
	require.NoError(t, m.Start(ctx))
	a, err := m.CreateShare(dirs[0], "")
	require.NoError(t, err)
	require.NoError(t, m.StartShare(ctx, a))
	require.NoError(t, m.Stop(ctx))

	b, err := m.CreateShare(dirs[1], "")
	require.NoError(t, err)

	stored, err := jsonfile.New(cfg.DataDir).Load()
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, domain.ShareStatusActive, stored[0].Status)
	assert.Equal(t, domain.ShareStatusInactive, stored[1].Status)

	require.NoError(t, m.Start(ctx))
	sa, err := m.Share(a)
	require.NoError(t, err)
	assert.True(t, sa.Active())
	sb, err := m.Share(b)
	require.NoError(t, err)
	assert.False(t, sb.Active())

	ra, ok := px.Route(a)
	require.True(t, ok)
	assert.True(t, ra.Active)
	live := f.live()
	require.Len(t, live, 1)
	assert.Equal(t, dirs[0], live[0].path)
}

func TestStopShareWhileStoppedCancelsRestore(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	m, _ := newTestManager(t, cfg, newFakeFactory())
	require.NoError(t, m.Start(ctx))
	id, err := m.CreateShare(mkdirs(t, "a")[0], "")
	require.NoError(t, err)
	require.NoError(t, m.StartShare(ctx, id))
	require.NoError(t, m.Stop(ctx))

	require.NoError(t, m.StopShare(ctx, id))
	stored, err := jsonfile.New(cfg.DataDir).Load()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.ShareStatusInactive, stored[0].Status)

	require.NoError(t, m.Start(ctx))
	sh, err := m.Share(id)
	require.NoError(t, err)
	assert.False(t, sh.Active())
}

func TestRestoreDemotesShareThatFailsToStart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	dir := mkdirs(t, "a")[0]

	m1, _ := newTestManager(t, cfg, newFakeFactory())
	id, err := m1.CreateShare(dir, "")
	require.NoError(t, err)
	require.NoError(t, m1.StartShare(ctx, id))

	f2 := newFakeFactory()
	f2.failPaths[dir] = errors.New("port exhausted")
	m2, px2 := newTestManager(t, cfg, f2)
	require.NoError(t, m2.Start(ctx))

	sh, err := m2.Share(id)
	require.NoError(t, err)
	assert.False(t, sh.Active())
	r, ok := px2.Route(id)
	require.True(t, ok)
	assert.False(t, r.Active)

	stored, err := jsonfile.New(cfg.DataDir).Load()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.ShareStatusInactive, stored[0].Status)
}

func TestCorruptRegistryStartsEmpty(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, jsonfile.FileName), []byte("{not json"), 0o600))

	m, _ := newTestManager(t, cfg, newFakeFactory())
	require.NoError(t, m.Start(context.Background()))
	assert.Empty(t, m.Shares())
}

func TestFreshStartClearsRegistry(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	m1, _ := newTestManager(t, cfg, newFakeFactory())
	_, err := m1.CreateShare(mkdirs(t, "a")[0], "")
	require.NoError(t, err)

	cfg.FreshStart = true
	m2, px2 := newTestManager(t, cfg, newFakeFactory())
	require.NoError(t, m2.Start(ctx))
	assert.Empty(t, m2.Shares())
	assert.Equal(t, 0, px2.RouteCount())
}

func TestStartIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t), newFakeFactory())
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	port := m.ProxyPort()
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, port, m.ProxyPort())
	assert.True(t, m.Running())

	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.Running())
	require.NoError(t, m.Stop(ctx))
}

func TestStartFailsWhenProxyCannotBind(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	px := proxy.New(proxy.Config{Host: "127.0.0.1", Port: busy.Addr().(*net.TCPAddr).Port, BindAttempts: 1}, nil)
	m := New(testConfig(t), px, nil, newFakeFactory().New, nil)
	err = m.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoPortAvailable)
	assert.False(t, m.Running())
}

func TestNoTunnelConfigured(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t), newFakeFactory())
	st := m.TunnelStatus()
	assert.False(t, st.IsRunning)
	assert.Equal(t, "No tunnel configured", st.Error)
}

func TestMissingTunnelClientRunsLocalOnly(t *testing.T) {
	px := proxy.New(proxy.Config{Host: "127.0.0.1"}, nil)
	tun := tunnel.New(tunnel.Config{
		TunnelID:  "0f6a2b1c",
		Domain:    "example.com",
		Binary:    filepath.Join(t.TempDir(), "no-such-client"),
		ConfigDir: t.TempDir(),
	}, nil)
	m := New(testConfig(t), px, tun, newFakeFactory().New, nil)
	defer m.Stop(context.Background())

	ch, cancel := m.Subscribe(16)
	defer cancel()

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
	st := m.TunnelStatus()
	assert.False(t, st.IsRunning)
	assert.NotEmpty(t, st.Error)

	kinds := collectKinds(ch, events.Started)
	assert.Contains(t, kinds, events.TunnelError)
	assert.Contains(t, kinds, events.ProxyStarted)
}

func TestEventsForShareLifecycle(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t), newFakeFactory())
	ch, cancel := m.Subscribe(32)
	defer cancel()
	ctx := context.Background()

	id, err := m.CreateShare(mkdirs(t, "a")[0], "")
	require.NoError(t, err)
	require.NoError(t, m.StartShare(ctx, id))
	require.NoError(t, m.StopShare(ctx, id))
	require.NoError(t, m.DeleteShare(ctx, id))

	kinds := collectKinds(ch, events.ShareDeleted)
	assert.Equal(t, []events.Kind{
		events.ShareCreated,
		events.ShareStarted,
		events.ShareStopped,
		events.ShareDeleted,
	}, filterShareKinds(kinds))
}

func TestShareURLAndQRCode(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t), newFakeFactory())
	id, err := m.CreateShare(mkdirs(t, "a")[0], "")
	require.NoError(t, err)

	url, err := m.ShareURL(id)
	require.NoError(t, err)
	assert.Equal(t, "https://"+id+".example.com", url)

	png, err := m.ShareQRCode(id, 128)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

// collectKinds reads events until last arrives or a timeout passes.
func collectKinds(ch <-chan events.Event, last events.Kind) []events.Kind {
	var kinds []events.Kind
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
			if ev.Kind == last {
				return kinds
			}
		case <-timeout:
			return kinds
		}
	}
}

func filterShareKinds(kinds []events.Kind) []events.Kind {
	var out []events.Kind
	for _, k := range kinds {
		switch k {
		case events.ShareCreated, events.ShareStarted, events.ShareStopped, events.ShareDeleted:
			out = append(out, k)
		}
	}
	return out
}
