// Command aikv-server runs one AiKv cluster node: the MetaRaft group, every
// data group this process hosts, and the admission, membership,
// cluster-bus, and migration layers wired on top of them.
//
// Grounded on the teacher's cmd/server/main.go flag-driven bootstrap,
// generalized to cobra (SPEC_FULL.md §7 ambient stack) and YAML
// configuration since a multi-group cluster's topology does not fit
// comfortably into flags.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aikv/aikv/internal/server"
	"github.com/aikv/aikv/internal/server/httpadmin"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aikv-server",
		Short: "AiKv cluster node: MetaRaft + data groups + admission layer",
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the aikv-server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start this node and serve its cluster/admin surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to node config YAML (required)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	node, err := server.NewNode(cfg)
	if err != nil {
		return fmt.Errorf("aikv-server: bootstrap node: %w", err)
	}

	if err := node.Start(); err != nil {
		return fmt.Errorf("aikv-server: start node: %w", err)
	}

	var adminServer *http.Server
	if cfg.AdminAddr != "" {
		adminServer = &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: httpadmin.New(node),
		}
		go func() {
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "aikv-server: admin http server: %v\n", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if adminServer != nil {
		_ = adminServer.Shutdown(shutdownCtx)
	}
	node.Stop()
	return nil
}
