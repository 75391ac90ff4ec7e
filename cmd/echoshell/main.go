// Command echoshell is the user-facing CLI: it starts/stops the gateway
// daemon (echoshelld) and reports its status, the same split wingthing
// draws between wt (CLI) and wtd (daemon process).
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbarinov/echoshell/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "echoshell",
		Short: "echoshell — a laptop-side terminal and agent gateway",
	}
	root.AddCommand(startCmd(), stopCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var foreground bool
	var addr string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if foreground {
				daemon, err := daemonBinary()
				if err != nil {
					return err
				}
				proc := exec.Command(daemon, "--addr", addr)
				proc.Stdout = os.Stdout
				proc.Stderr = os.Stderr
				return proc.Run()
			}

			if pid, err := readPID(); err == nil {
				return fmt.Errorf("echoshell daemon already running (pid %d)", pid)
			}

			daemon, err := daemonBinary()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(configDir(), 0o700); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			logFile, err := os.OpenFile(logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}
			defer logFile.Close()

			child := exec.Command(daemon, "--addr", addr)
			child.Dir, _ = os.UserHomeDir()
			child.Stdout = logFile
			child.Stderr = logFile
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}

			if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(child.Process.Pid)), 0o644); err != nil {
				return fmt.Errorf("write pid file: %w", err)
			}

			fmt.Printf("echoshell daemon started (pid %d)\n", child.Process.Pid)
			fmt.Printf("  log: %s\n", logPath())
			return nil
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground instead of daemonizing")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:4590", "local HTTP server listen address")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID()
			if err != nil {
				return fmt.Errorf("no echoshell daemon running")
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("find pid %d: %w", pid, err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal pid %d: %w", pid, err)
			}
			os.Remove(pidPath())
			fmt.Printf("echoshell daemon stopped (pid %d)\n", pid)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running and tunnel-connected",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID()
			if err != nil {
				fmt.Println("echoshell daemon is not running")
				return nil
			}
			fmt.Printf("echoshell daemon is running (pid %d)\n", pid)

			connected, err := tunnelConnected()
			if err != nil {
				fmt.Printf("  tunnel status: unavailable (%v)\n", err)
				return nil
			}
			fmt.Printf("  tunnel connected: %v\n", connected)
			return nil
		},
	}
}

// tunnelConnected queries the loopback /tunnel-status endpoint on the
// default address, the same way a mobile client would — minus the relay
// hop, since this runs on the laptop itself.
func tunnelConnected() (bool, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return false, err
	}
	cfg, err := config.Load(filepath.Join(home, ".echoshell"), ".")
	if err != nil {
		return false, err
	}

	req, err := http.NewRequest("GET", "http://127.0.0.1:4590/tunnel-status", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("X-Laptop-Auth-Key", cfg.LaptopAuthKey)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status struct {
		Connected bool `json:"connected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, err
	}
	return status.Connected, nil
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".echoshell")
}

func pidPath() string { return filepath.Join(configDir(), "echoshelld.pid") }
func logPath() string { return filepath.Join(configDir(), "echoshelld.log") }

func readPID() (int, error) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	if proc, err := os.FindProcess(pid); err != nil || proc.Signal(syscall.Signal(0)) != nil {
		return 0, fmt.Errorf("stale pid file")
	}
	return pid, nil
}

// daemonBinary resolves echoshelld relative to this executable first (the
// usual install layout, both binaries in the same bin/ directory), falling
// back to PATH.
func daemonBinary() (string, error) {
	self, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(self), "echoshelld")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	path, err := exec.LookPath("echoshelld")
	if err != nil {
		return "", fmt.Errorf("echoshelld not found next to echoshell or on PATH: %w", err)
	}
	return path, nil
}
