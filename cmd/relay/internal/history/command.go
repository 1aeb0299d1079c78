package history

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vedran77/relay/cmd/relay/internal"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/service"
)

type clearOptions struct {
	Channel string
	Before  string
	Status  string
}

func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Manage stored messages",
	}

	var opts clearOptions
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete messages matching the given filters",
		Args:  cobra.NoArgs,
		Example: `  relay history clear --channel dm-alice-bob
  relay history clear --before 720h
  relay history clear --before 2026-01-01T00:00:00Z --status failed`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := internal.Bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			filter, err := buildFilter(cmd, a.Directory, opts, time.Now().UTC())
			if err != nil {
				return err
			}

			n, err := a.Dispatcher.ClearHistory(cmd.Context(), filter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d messages\n", n)
			return nil
		},
	}

	clearCmd.Flags().StringVar(&opts.Channel, "channel", "",
		"Channel id or name")
	clearCmd.Flags().StringVar(&opts.Before, "before", "",
		"Only messages older than this RFC 3339 time or duration ago (e.g. 720h)")
	clearCmd.Flags().StringVar(&opts.Status, "status", "",
		"Only messages in this status (pending, sent, delivered, read, failed)")

	cmd.AddCommand(clearCmd)
	return cmd
}

type channelLookup interface {
	List(filter domain.ChannelFilter) []*domain.Channel
}

func buildFilter(cmd *cobra.Command, dir channelLookup, opts clearOptions, now time.Time) (domain.HistoryFilter, error) {
	var filter domain.HistoryFilter

	if opts.Channel != "" {
		id, err := resolveChannel(dir, opts.Channel)
		if err != nil {
			return filter, err
		}
		filter.ChannelID = &id
	}

	if opts.Before != "" {
		before, err := parseBefore(opts.Before, now)
		if err != nil {
			return filter, err
		}
		filter.Before = &before
	}

	if opts.Status != "" {
		filter.Status = domain.MessageStatus(opts.Status)
		if !filter.Status.Valid() {
			return filter, fmt.Errorf("unknown status %q", opts.Status)
		}
	}

	if filter.Empty() {
		return filter, fmt.Errorf("refusing to clear everything: pass --channel, --before or --status (see %s --help)", cmd.CommandPath())
	}
	return filter, nil
}

func resolveChannel(dir channelLookup, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	matches := dir.List(domain.ChannelFilter{Name: ref})
	switch len(matches) {
	case 0:
		return uuid.Nil, service.ErrChannelNotFound
	case 1:
		return matches[0].ID, nil
	default:
		return uuid.Nil, fmt.Errorf("channel name %q is ambiguous, use the channel id", ref)
	}
}

func parseBefore(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--before must be an RFC 3339 time or a duration: %q", s)
	}
	return now.Add(-d), nil
}
