// Package localexec plays audio artifacts with a local command-line player
// from an allowlist.
package localexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fentz26/parley/internal/pipeline"
)

// allowedPlayers defines the strict allowlist of player binaries and the
// arguments placed before the file path.
var allowedPlayers = map[string][]string{
	"afplay": {},
	"aplay":  {"-q"},
	"paplay": {},
	"ffplay": {"-nodisp", "-autoexit", "-loglevel", "quiet"},
	"mpv":    {"--no-video", "--really-quiet"},
}

// LocalExec implements connectors.Player by running a local player.
type LocalExec struct {
	command string
	dir     string
}

// New creates a player running command on files under dir.
func New(command, dir string) (*LocalExec, error) {
	if !IsAllowed(command) {
		return nil, fmt.Errorf("player not allowed: %s", command)
	}
	return &LocalExec{command: command, dir: dir}, nil
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a player binary is in the allowlist.
func IsAllowed(command string) bool {
	_, ok := allowedPlayers[command]
	return ok
}

// Play runs the player on the unit's audio file and waits for it to exit.
func (l *LocalExec) Play(ctx context.Context, item pipeline.WorkItem) error {
	path, err := l.resolve(item.Audio)
	if err != nil {
		return err
	}

	args := append(append([]string{}, allowedPlayers[l.command]...), path)
	cmd := exec.CommandContext(ctx, l.command, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if exitError, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("%s exited with %d: %s", l.command, exitError.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("exec error: %w", err)
	}
	return nil
}

// resolve maps an audio reference to a file inside the artifact directory.
func (l *LocalExec) resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("unit has no audio")
	}
	name := filepath.Base(filepath.Clean(ref))
	if name != ref || name == "." || name == ".." {
		return "", fmt.Errorf("invalid audio reference: %s", ref)
	}
	return filepath.Join(l.dir, name), nil
}
