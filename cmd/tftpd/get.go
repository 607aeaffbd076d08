package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yeozhishen/tftpd/internal/config"
	"github.com/yeozhishen/tftpd/internal/tftpclient"
)

// newGetCmd exposes tftpclient as a debug/smoke-test command for fetching
// a single file from a running server.
func newGetCmd() *cobra.Command {
	var (
		blockSize int
		timeout   int
		output    string
	)

	cmd := &cobra.Command{
		Use:   "get <server:port> <filename>",
		Short: "Fetch a file from a TFTP server and print it to stdout (or --output)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := tftpclient.Read(args[0], args[1], blockSize, time.Duration(timeout)*time.Second)
			if err != nil {
				return err
			}
			if output == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&blockSize, "block-size", config.DefaultMaxBlockSize, "expected DATA payload size")
	flags.IntVar(&timeout, "timeout", config.DefaultTimeout, "per-read timeout in seconds")
	flags.StringVar(&output, "output", "", "write the fetched file here instead of stdout")

	return cmd
}
