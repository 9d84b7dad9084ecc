package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway"
)

func newRouteCommand(load func() (*loader, error)) *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Print the routing key for a set of attribute values",
		Example: `  eventgateway route --set serviceName=rb --set appName=app
  eventgateway route --set businessKey=null`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields, err := parseSets(sets)
			if err != nil {
				return err
			}
			l, err := load()
			if err != nil {
				return err
			}
			settings, err := l.Settings()
			if err != nil {
				return err
			}
			p, err := eventgateway.New(settings)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), p.Resolver().ResolveMap(fields))
			return err
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "attribute value as key=value; the value null is a JSON null")
	return cmd
}

// parseSets turns key=value pairs into resolver fields. A literal null
// value becomes nil.
func parseSets(sets []string) (map[string]any, error) {
	fields := make(map[string]any, len(sets))
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", kv)
		}
		if value == "null" {
			fields[key] = nil
			continue
		}
		fields[key] = value
	}
	return fields, nil
}
