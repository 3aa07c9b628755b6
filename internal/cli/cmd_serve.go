package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketfileshare/pocketshare/internal/config"
	"github.com/pocketfileshare/pocketshare/internal/debughttp"
	"github.com/pocketfileshare/pocketshare/internal/events"
	ilog "github.com/pocketfileshare/pocketshare/internal/log"
	"github.com/pocketfileshare/pocketshare/internal/proxy"
	"github.com/pocketfileshare/pocketshare/internal/sharemgr"
	"github.com/pocketfileshare/pocketshare/internal/tunnel"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	cfg := config.FromEnv()
	var passcode string

	cmd := &cobra.Command{
		Use:   "serve [folder...]",
		Short: "Run the share proxy and share the given folders",
		Long: `serve starts the subdomain proxy, the tunnel when --tunnel-id is set,
and restores persisted shares. Every folder argument is shared (or its
existing share restarted) and printed with its URL and passcode.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return runServe(cmd.Context(), cfg, args, passcode, cmd.OutOrStdout())
		},
	}
	cfg.BindFlags(cmd.Flags())
	cmd.Flags().StringVar(&passcode, "passcode", "", "Passcode for new shares (generated when empty)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, folders []string, passcode string, out io.Writer) error {
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	if err := debughttp.StartPprofServer(ctx, cfg.PprofListen, logger); err != nil {
		return fmt.Errorf("pprof listen: %w", err)
	}

	mgr := newManager(cfg, logger)
	evs, unsubscribe := mgr.Subscribe(64)
	defer unsubscribe()
	go logEvents(logger, evs)

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.Stop(stopCtx); err != nil {
			logger.Warn("shutdown incomplete", "err", err)
		}
	}()

	ids := make([]string, 0, len(folders))
	for _, folder := range folders {
		id, err := ensureShare(ctx, mgr, folder, passcode)
		if err != nil {
			logger.Error("failed to share folder", "path", folder, "err", err)
			continue
		}
		ids = append(ids, id)
	}

	rows := make([]shareRow, 0, len(ids))
	for _, id := range ids {
		sh, err := mgr.Share(id)
		if err != nil {
			continue
		}
		url, _ := mgr.ShareURL(id)
		rows = append(rows, shareRow{Share: sh, URL: url, Local: localURL(id, mgr.ProxyPort())})
	}
	printShareTable(out, rows)
	if isTerminal(out) {
		for _, r := range rows {
			printQRCode(out, r.URL)
		}
	}

	st := mgr.TunnelStatus()
	logger.Info("serving, press Ctrl+C to stop",
		"proxy_port", mgr.ProxyPort(),
		"shares", len(mgr.Shares()),
		"tunnel", st.IsRunning,
	)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newManager(cfg config.Config, logger *slog.Logger) *sharemgr.Manager {
	px := proxy.New(proxy.Config{
		Host:         cfg.ProxyHost,
		Port:         cfg.ProxyPort,
		BindAttempts: cfg.ProxyBindAttempts,
	}, logger)

	var tun sharemgr.Tunnel
	if cfg.TunnelEnabled() {
		tun = tunnel.New(tunnel.Config{
			TunnelID:         cfg.TunnelID,
			Domain:           cfg.Domain,
			ProxyPort:        cfg.ProxyPort,
			Binary:           cfg.TunnelBinary,
			ConfigDir:        cfg.TunnelConfigDir,
			ReadyTimeout:     cfg.TunnelReadyTimeout,
			StopGrace:        cfg.TunnelStopGrace,
			ReadyConnections: cfg.TunnelReadyConnections,
		}, logger)
	}

	return sharemgr.New(sharemgr.Config{
		SharePortStart: cfg.SharePortStart,
		SharePortEnd:   cfg.SharePortEnd,
		DataDir:        cfg.DataDir,
		Domain:         cfg.Domain,
		FreshStart:     cfg.FreshStart,
	}, px, tun, nil, logger)
}

// ensureShare starts the existing share for folder, or creates one.
func ensureShare(ctx context.Context, mgr *sharemgr.Manager, folder, passcode string) (string, error) {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return "", err
	}
	for _, sh := range mgr.Shares() {
		if sh.Path == abs {
			return sh.ID, mgr.StartShare(ctx, sh.ID)
		}
	}
	id, err := mgr.CreateShare(abs, passcode)
	if err != nil {
		return "", err
	}
	return id, mgr.StartShare(ctx, id)
}

func logEvents(logger *slog.Logger, ch <-chan events.Event) {
	log := ilog.Component(logger, "events")
	for ev := range ch {
		attrs := []any{"kind", ev.Kind}
		if ev.ShareID != "" {
			attrs = append(attrs, "share_id", ev.ShareID)
		}
		if ev.Port != 0 {
			attrs = append(attrs, "port", ev.Port)
		}
		if ev.Err != "" {
			attrs = append(attrs, "err", ev.Err)
		}
		log.Debug("event", attrs...)
	}
}
