package sweep

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vedran77/relay/cmd/relay/internal"
)

func NewSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "sweep",
		Short:   "Delete expired messages once and exit",
		Args:    cobra.NoArgs,
		Example: `  relay sweep`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := internal.Bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Dispatcher.CleanupExpiredMessages(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired messages\n", n)
			return nil
		},
	}
}
