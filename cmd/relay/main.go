package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/vedran77/relay/cmd/relay/internal/channels"
	"github.com/vedran77/relay/cmd/relay/internal/history"
	"github.com/vedran77/relay/cmd/relay/internal/serve"
	"github.com/vedran77/relay/cmd/relay/internal/sweep"
)

func NewRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Message routing and channel management service",
		Example:      "relay serve",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		serve.NewServeCommand(),
		sweep.NewSweepCommand(),
		history.NewHistoryCommand(),
		channels.NewChannelsCommand(),
	)

	return cmd
}

func main() {
	cmd := NewRelayCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
