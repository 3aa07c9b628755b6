package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Run is the main CLI entry point. It returns a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loadEnvFromDotEnv(".env")

	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pocketshare",
		Short: "Share local folders behind passcodes on their own subdomains",
		Long: `pocketshare serves local folders as passcode-protected file shares.
Each share gets its own subdomain on the local proxy and, when a tunnel is
configured, on the public domain.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.AddCommand(newServeCmd(), newSharesCmd(), newVersionCmd())
	return root
}
