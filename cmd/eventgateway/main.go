// Command eventgateway runs the engine event notification gateway.
package main

import (
	"fmt"
	"os"

	"github.com/randalmurphal/eventgateway/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
