package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"modbot/internal/config"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(opts.ConfigPath).Load()
			if err != nil {
				return err
			}
			// Diff against an empty config lists every section that is set,
			// without secrets.
			sections, _ := config.SummarizeChange(nil, cfg)
			if opts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"ok":            true,
					"path":          opts.ConfigPath,
					"sections":      sections,
					"poll_interval": cfg.Schedule.PollIntervalOrDefault().String(),
					"storage":       cfg.Storage.Driver,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", opts.ConfigPath)
			fmt.Fprintf(out, "  guild:          %s\n", cfg.Discord.GuildID)
			fmt.Fprintf(out, "  storage:        %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
			fmt.Fprintf(out, "  poll interval:  %s\n", cfg.Schedule.PollIntervalOrDefault())
			fmt.Fprintf(out, "  moderator role: %s\n", cfg.Moderation.ModeratorRoleOrDefault())
			fmt.Fprintf(out, "  admin:          %v\n", cfg.Admin.Enabled)
			return nil
		},
	})
	return cmd
}
