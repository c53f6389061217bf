package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"modbot/internal/app"
	"modbot/internal/moderation"
	"modbot/internal/schedule"
)

func newMutesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mutes",
		Short: "Inspect and repair pending unmutes",
	}
	cmd.AddCommand(newMutesListCommand(opts))
	cmd.AddCommand(newMutesCancelCommand(opts))
	cmd.AddCommand(newMutesSweepCommand(opts))
	return cmd
}

type muteRow struct {
	Subject string    `json:"subject"`
	Kind    string    `json:"kind"`
	DueAt   time.Time `json:"due_at"`
	Overdue bool      `json:"overdue"`
}

func newMutesListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending unmutes from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tools, err := app.OpenTools(opts.ConfigPath, false, cliLogger(opts))
			if err != nil {
				return err
			}
			defer tools.Close()

			entries, err := tools.Store.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			return writeMutes(cmd.OutOrStdout(), opts.Format, entries, time.Now())
		},
	}
}

func writeMutes(w io.Writer, format string, entries []schedule.Entry, now time.Time) error {
	rows := make([]muteRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, muteRow{Subject: e.Subject, Kind: string(e.Kind), DueAt: e.DueAt.UTC(), Overdue: !e.DueAt.After(now)})
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no pending unmutes")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBJECT\tKIND\tDUE (UTC)\tIN")
	for _, r := range rows {
		in := "overdue"
		if !r.Overdue {
			in = r.DueAt.Sub(now).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Subject, r.Kind, r.DueAt.Format(time.DateTime), in)
	}
	return tw.Flush()
}

func newMutesCancelCommand(opts *rootOptions) *cobra.Command {
	var storeOnly bool
	cmd := &cobra.Command{
		Use:   "cancel <user-id>",
		Short: "Unmute a user now (removes the role, then the pending entry)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := args[0]
			tools, err := app.OpenTools(opts.ConfigPath, !storeOnly, cliLogger(opts))
			if err != nil {
				return err
			}
			defer tools.Close()

			if storeOnly {
				key := schedule.Key{Kind: schedule.KindUnmute, Subject: subject}
				if err := tools.Store.Remove(cmd.Context(), key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed pending unmute for %s (role untouched)\n", subject)
				return nil
			}

			inv := moderation.Invocation{RequestID: uuid.NewString(), ActorID: "cli"}
			if err := tools.Mod.Unmute(cmd.Context(), inv, subject); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unmuted %s\n", subject)
			return nil
		},
	}
	cmd.Flags().BoolVar(&storeOnly, "store-only", false, "only drop the pending entry; do not call Discord")
	return cmd
}

func newMutesSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Apply every due unmute once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tools, err := app.OpenTools(opts.ConfigPath, true, cliLogger(opts))
			if err != nil {
				return err
			}
			defer tools.Close()

			st, err := tools.Poller.Tick(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "due=%d removed=%d kept=%d\n", st.Due, st.Removed, st.Kept)
			return nil
		},
	}
}
