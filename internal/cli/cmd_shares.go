package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketfileshare/pocketshare/internal/config"
	"github.com/pocketfileshare/pocketshare/internal/store/jsonfile"
)

func newSharesCmd() *cobra.Command {
	cfg := config.FromEnv()
	cmd := &cobra.Command{
		Use:   "shares",
		Short: "List persisted shares without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			shares, err := jsonfile.New(cfg.DataDir).Load()
			if err != nil {
				return err
			}
			printRegistry(cmd.OutOrStdout(), shares, cfg.Domain, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding the share registry")
	cmd.Flags().StringVar(&cfg.Domain, "domain", cfg.Domain, "Public base domain for share subdomains")
	return cmd
}
