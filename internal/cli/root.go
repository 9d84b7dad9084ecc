// Package cli implements the eventgateway command line.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "eventgateway",
		Short: "Engine event notification gateway",
		Long: `eventgateway consumes engine event batches, regroups them into
notification documents and fans them out to GraphQL subscribers,
STOMP destinations and message transports.

Settings come from an optional YAML or JSON file, overridden by
EVENTGATEWAY_* environment variables (hub.capacity is
EVENTGATEWAY_HUB_CAPACITY), overridden by flags.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml or json)")

	load := func() (*loader, error) {
		return newLoader(configFile)
	}
	root.AddCommand(
		newServeCommand(load),
		newTransformCommand(load),
		newRouteCommand(load),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}
