// Command echoshelld runs the gateway in the foreground: it loads config,
// builds a supervisor.Supervisor, and serves until signalled. It is meant
// to be started by echoshell (which handles daemonizing, PID files, and
// logs) or directly under a process supervisor like systemd.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rbarinov/echoshell/internal/config"
	"github.com/rbarinov/echoshell/internal/supervisor"
)

func main() {
	var addrFlag string

	root := &cobra.Command{
		Use:   "echoshelld",
		Short: "echoshell gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(addrFlag)
		},
	}
	root.Flags().StringVar(&addrFlag, "addr", "127.0.0.1:4590", "local HTTP server listen address")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runForeground(addr string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	userConfigDir := filepath.Join(home, ".echoshell")
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	cfg, err := config.Load(userConfigDir, cwd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sv, err := supervisor.New(supervisor.Options{
		Config:        cfg,
		UserConfigDir: userConfigDir,
		StateDir:      filepath.Join(userConfigDir, "state"),
		HistoryDBPath: filepath.Join(userConfigDir, "history.db"),
		WorkspaceDir:  filepath.Join(userConfigDir, "workspaces"),
		HTTPAddr:      addr,
	})
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("echoshelld: shutting down...")
		cancel()
		<-sigCh
		log.Println("echoshelld: second signal received, exiting immediately")
		os.Exit(1)
	}()

	err = sv.Run(ctx)
	if err != nil && err != context.Canceled {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
