package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shardfs/internal/client/file"
	"shardfs/internal/protocol"
	"shardfs/internal/ui/cli"
)

func main() {
	var (
		serverAddress string
		timeout       time.Duration
		listFrames    int
		downloadDir   string
		batchMode     bool
	)

	root := &cobra.Command{
		Use:   "client [port | host:port]",
		Short: "Interactive client for the shardfs gateway",
		Long: `Connect to the gateway and run uploadf, downlf, removef, downltar and
dispfnames commands. With --batch the arguments are executed in order, one
command per argument, against the --server address.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := serverAddress
			commands := args
			if !batchMode {
				if len(args) > 1 {
					return fmt.Errorf("unexpected arguments %v", args[1:])
				}
				if len(args) == 1 {
					addr = parseAddr(args[0])
				}
			}

			ctx := cmd.Context()
			fmt.Printf("Connecting to file service at %s...\n", addr)
			fileClient, err := file.NewClient(ctx, addr, file.Options{
				Timeout:    timeout,
				MaxContent: protocol.MaxContent,
				ListFrames: listFrames,
			})
			if err != nil {
				return fmt.Errorf("FAILED TO CREATE CLIENT: %w", err)
			}
			defer fileClient.Close()
			fmt.Println("Connected to file service successfully")

			ui := cli.New(fileClient, os.Stdin, os.Stdout, downloadDir)
			if batchMode {
				if len(commands) == 0 {
					fmt.Println("No commands given for batch mode")
					return nil
				}
				if err := ui.RunBatch(ctx, commands); err != nil {
					return fmt.Errorf("BATCH MODE ERROR: %w", err)
				}
				return nil
			}
			if err := ui.Run(ctx); err != nil {
				return fmt.Errorf("CLI ERROR: %w", err)
			}
			return nil
		},
	}

	f := root.Flags()
	f.StringVarP(&serverAddress, "server", "s", "127.0.0.1:8080", "Gateway address")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "Connect, send and receive timeout")
	f.IntVar(&listFrames, "list-frames", 4, "Frames in a dispfnames reply (one per node)")
	f.StringVarP(&downloadDir, "download-dir", "d", ".", "Directory downloads are written to")
	f.BoolVar(&batchMode, "batch", false, "Run the given commands and exit")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal. Shutting down...")
		os.Exit(0)
	}()

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseAddr accepts a bare port for the local gateway or a full host:port.
func parseAddr(arg string) string {
	if _, err := strconv.Atoi(arg); err == nil {
		return net.JoinHostPort("127.0.0.1", arg)
	}
	return arg
}
