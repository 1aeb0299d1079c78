package channels

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vedran77/relay/cmd/relay/internal"
	"github.com/vedran77/relay/internal/domain"
)

func NewChannelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect channels",
	}

	var filter struct {
		Type        string
		Participant string
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List channels, most recently active first",
		Args:  cobra.NoArgs,
		Example: `  relay channels list
  relay channels list --type direct --participant alice`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := internal.Bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			chType := domain.ChannelType(filter.Type)
			if chType != "" && !chType.Valid() {
				return fmt.Errorf("unknown channel type %q", filter.Type)
			}
			list := a.Directory.List(domain.ChannelFilter{Type: chType, Participant: filter.Participant})
			return printChannels(cmd.OutOrStdout(), list)
		},
	}

	listCmd.Flags().StringVar(&filter.Type, "type", "",
		"Only channels of this type (direct, group, topic, broadcast)")
	listCmd.Flags().StringVar(&filter.Participant, "participant", "",
		"Only channels this participant belongs to")

	deleteCmd := &cobra.Command{
		Use:     "delete <channel-id>",
		Short:   "Delete a channel and its subscriptions",
		Args:    cobra.ExactArgs(1),
		Example: `  relay channels delete 0b6f4c2e-8a51-4f0e-9d0c-3f3b2a7d9e11`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid channel id %q: %w", args[0], err)
			}

			a, _, err := internal.Bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Dispatcher.DeleteChannel(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted channel %s\n", id)
			return nil
		},
	}

	cmd.AddCommand(listCmd, deleteCmd)
	return cmd
}

func printChannels(w io.Writer, list []*domain.Channel) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tMESSAGES\tPARTICIPANTS\tLAST ACTIVE")
	for _, ch := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			ch.ID, ch.Name, ch.Type,
			ch.Metadata.MessageCount,
			len(ch.Metadata.Participants),
			ch.Metadata.LastActive.Format(time.RFC3339),
		)
	}
	return tw.Flush()
}
