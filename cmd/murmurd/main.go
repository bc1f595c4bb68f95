package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "murmurd",
		Short:         "Murmur discussion protocol node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), keygenCommand(), settleCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "murmurd:", err)
		os.Exit(1)
	}
}
