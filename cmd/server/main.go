package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shardfs/internal/config"
	"shardfs/pkg/model"
)

const serviceName = "shardfs"

var (
	configPath string
	debug      bool
	showStats  bool
)

func main() {
	root := &cobra.Command{
		Use:           "server",
		Short:         "Extension-sharded file store nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Cluster config file (YAML)")
	pf.BoolVar(&debug, "debug", false, "Development logging")
	pf.BoolVar(&showStats, "stats", false, "Log connection statistics every 5s")
	pf.String("home", "", "Base directory for node roots (default $HOME)")
	pf.Duration("timeout", 0, "Per-receive timeout")
	pf.Duration("idle-timeout", 0, "Wait for the next command before closing a connection")
	pf.Int64("max-content", 0, "Transfer cap in bytes")
	pf.Int("max-files", 0, "Max files collected per listing or archive")
	pf.Int("max-connections", 0, "Concurrent connections per node")
	pf.Duration("locator-ttl", 0, "How long a located file path is cached")
	pf.String("archiver", "", "Archive builder: tar or exec")
	pf.String("temp-dir", "", "Directory for archive artifacts")
	pf.Float64("rate-limit", 0, "Requests per second per connection (0 disables)")
	pf.Int("rate-burst", 0, "Request burst per connection")

	root.AddCommand(gatewayCmd(), storageCmd(), statusCmd(), configCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(cmd *cobra.Command) (*config.Cluster, error) {
	return config.Load(configPath, cmd.Flags())
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway [port pdfPort txtPort zipPort]",
		Short: "Run the gateway node",
		Long: `Run the client-facing gateway. It serves its own extension locally and
forwards every other extension to the storage node that owns it.
The optional ports override, in config order, the gateway's port followed by
each storage node's port.`,
		Args: cobra.RangeArgs(0, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			names := []string{cfg.Gateway().Name}
			for _, n := range cfg.Remotes() {
				names = append(names, n.Name)
			}
			if len(args) > 0 && len(args) != len(names) {
				return fmt.Errorf("expected %d ports, got %d", len(names), len(args))
			}
			for i, arg := range args {
				port, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("invalid port %q", arg)
				}
				if err := cfg.SetPort(names[i], port); err != nil {
					return err
				}
			}

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runNode(cmd.Context(), cfg, cfg.Gateway(), logger)
		},
	}
}

func storageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage <name> [port]",
		Short: "Run a storage node",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				port, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid port %q", args[1])
				}
				if err := cfg.SetPort(args[0], port); err != nil {
					return err
				}
			}
			node, err := cfg.Node(args[0])
			if err != nil {
				return err
			}
			if model.Role(node.Role) != model.RoleStorage {
				return fmt.Errorf("%s is not a storage node", node.Name)
			}

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runNode(cmd.Context(), cfg, node, logger)
		},
	}
}

func configCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective config, or write the default one with --out",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out != "" {
				if _, err := config.Generate(out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "default config written to %s\n", out)
				return nil
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the default config to this file")
	return cmd
}
