package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rbarinov/echoshell/internal/ptysession"
	"github.com/rbarinov/echoshell/internal/registry"
)

// Workspacer is the subset of WorkspaceManager the tool surface can call
// into. Defined here rather than depended on directly so agent has no
// build-order dependency on the workspace package.
type Workspacer interface {
	Clone(ctx context.Context, url, dest string) error
	CreateWorktree(ctx context.Context, repoDir, branch, dest string) error
}

// ToolSurface lets the per-session agent mode act on SessionRegistry and
// WorkspaceManager via a small set of slash commands, standing in for a
// full LLM function-calling loop.
type ToolSurface struct {
	Registry  *registry.Registry
	Workspace Workspacer // optional; nil disables workspace commands
}

// NewToolSurface returns a ToolSurface bound to reg. workspace may be nil.
func NewToolSurface(reg *registry.Registry, workspace Workspacer) *ToolSurface {
	return &ToolSurface{Registry: reg, Workspace: workspace}
}

// Dispatch recognizes a small set of "/tool ..." commands and executes
// them directly. handled is false when command isn't a recognized tool
// invocation, signaling the caller to fall through to the LLM.
func (t *ToolSurface) Dispatch(ctx context.Context, command string) (output string, handled bool, err error) {
	fields := strings.Fields(command)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false, nil
	}

	switch fields[0] {
	case "/sessions":
		return t.dispatchSessions(fields[1:])
	case "/workspace":
		return t.dispatchWorkspace(ctx, fields[1:])
	default:
		return "", false, nil
	}
}

func (t *ToolSurface) dispatchSessions(args []string) (string, bool, error) {
	if len(args) == 0 {
		return "", true, fmt.Errorf("usage: /sessions list|create|destroy|rename|exec|resize")
	}

	switch args[0] {
	case "list":
		descs := t.Registry.List()
		var b strings.Builder
		for _, d := range descs {
			fmt.Fprintf(&b, "%s\t%s\t%s\n", d.SessionID, d.TerminalType, d.Name)
		}
		return b.String(), true, nil

	case "create":
		if len(args) < 2 {
			return "", true, fmt.Errorf("usage: /sessions create <terminal_type> [working_dir]")
		}
		workingDir := ""
		if len(args) >= 3 {
			workingDir = args[2]
		}
		desc, err := t.Registry.Create(ptysession.TerminalType(args[1]), workingDir, "", 80, 24)
		if err != nil {
			return "", true, err
		}
		return desc.SessionID, true, nil

	case "destroy":
		if len(args) < 2 {
			return "", true, fmt.Errorf("usage: /sessions destroy <session_id>")
		}
		return "", true, t.Registry.Destroy(args[1])

	case "rename":
		if len(args) < 3 {
			return "", true, fmt.Errorf("usage: /sessions rename <session_id> <name>")
		}
		return "", true, t.Registry.Rename(args[1], strings.Join(args[2:], " "))

	case "exec":
		if len(args) < 3 {
			return "", true, fmt.Errorf("usage: /sessions exec <session_id> <command...>")
		}
		return "", true, t.Registry.ExecuteCommand(args[1], strings.Join(args[2:], " "))

	case "resize":
		if len(args) < 4 {
			return "", true, fmt.Errorf("usage: /sessions resize <session_id> <cols> <rows>")
		}
		cols, err1 := strconv.Atoi(args[2])
		rows, err2 := strconv.Atoi(args[3])
		if err1 != nil || err2 != nil {
			return "", true, fmt.Errorf("cols/rows must be integers")
		}
		return "", true, t.Registry.Resize(args[1], cols, rows)
	}

	return "", true, fmt.Errorf("unknown /sessions subcommand %q", args[0])
}

func (t *ToolSurface) dispatchWorkspace(ctx context.Context, args []string) (string, bool, error) {
	if t.Workspace == nil {
		return "", true, fmt.Errorf("workspace manager not configured")
	}
	if len(args) == 0 {
		return "", true, fmt.Errorf("usage: /workspace clone|worktree")
	}

	switch args[0] {
	case "clone":
		if len(args) < 3 {
			return "", true, fmt.Errorf("usage: /workspace clone <url> <dest>")
		}
		return "", true, t.Workspace.Clone(ctx, args[1], args[2])

	case "worktree":
		if len(args) < 4 {
			return "", true, fmt.Errorf("usage: /workspace worktree <repo_dir> <branch> <dest>")
		}
		return "", true, t.Workspace.CreateWorktree(ctx, args[1], args[2], args[3])
	}

	return "", true, fmt.Errorf("unknown /workspace subcommand %q", args[0])
}
