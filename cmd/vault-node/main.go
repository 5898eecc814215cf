package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "vault-node",
		Short: "Content-addressed file storage middleware",
		Long: `vault-node stores files as compressed, checksummed chunks on a
content-addressed ledger and serves them back on demand.

Commands:
  vault-node start     Run the storage service`,
	}

	rootCmd.AddCommand(newStartCmd())

	return rootCmd.ExecuteContext(context.Background())
}
