package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/transform"
)

// routedDocument is one line of transform output.
type routedDocument struct {
	RoutingKey string                 `json:"routingKey"`
	Document   *notification.Document `json:"document"`
}

func newTransformCommand(load func() (*loader, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "transform [file|-]",
		Short: "Print the notification documents built from an event batch",
		Long: `transform reads a JSON array of engine events from a file, or from
stdin when the argument is "-" or missing, and prints the documents the
gateway would publish together with their routing keys.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			events, err := transform.Decode(data)
			if err != nil {
				return err
			}
			docs, err := p.Transformer().Transform(events)
			if err != nil {
				return err
			}

			out := make([]routedDocument, 0, len(docs))
			for _, doc := range docs {
				out = append(out, routedDocument{
					RoutingKey: p.Resolver().Resolve(doc),
					Document:   doc,
				})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args[0], err)
	}
	return data, nil
}
