package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	admingrpc "shardfs/internal/handler/grpc"
)

func statusCmd() *cobra.Command {
	var probeTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the health of every configured node",
		Long: `Query the admin endpoint of each node for the health of the extension it
owns and print one line per node. Nodes without an admin address are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			down := 0
			for _, n := range cfg.Nodes {
				if n.AdminAddr == "" {
					fmt.Fprintf(out, "%-4s %-6s %-8s no admin endpoint\n", n.Name, n.Extension, n.Role)
					continue
				}
				resp, err := admingrpc.Probe(cmd.Context(), n.AdminAddr, admingrpc.ServiceFor(n.Extension), probeTimeout)
				if err != nil {
					down++
					fmt.Fprintf(out, "%-4s %-6s %-8s UNREACHABLE %v\n", n.Name, n.Extension, n.Role, err)
					continue
				}
				body, err := protojson.Marshal(resp)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-4s %-6s %-8s %s\n", n.Name, n.Extension, n.Role, body)
			}
			if down > 0 {
				return fmt.Errorf("%d node(s) unreachable", down)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&probeTimeout, "probe-timeout", 3*time.Second, "Timeout per health check")
	return cmd
}
