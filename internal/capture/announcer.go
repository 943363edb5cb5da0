package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// LogAnnouncer only logs; used when no speech command is configured
type LogAnnouncer struct {
	logger *slog.Logger
}

func NewLogAnnouncer(logger *slog.Logger) *LogAnnouncer {
	return &LogAnnouncer{logger: logger}
}

func (a *LogAnnouncer) Announce(_ context.Context, text string) error {
	a.logger.Info("🔊 Announce", "text", text)
	return nil
}

// CommandAnnouncer runs an external text-to-speech program with the text as its last argument
type CommandAnnouncer struct {
	name    string
	args    []string
	timeout time.Duration
}

// NewCommandAnnouncer parses a command line such as "espeak -s 120"
func NewCommandAnnouncer(command string, timeout time.Duration) (*CommandAnnouncer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty speech command")
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, fmt.Errorf("speech command %q not found: %w", fields[0], err)
	}

	return &CommandAnnouncer{
		name:    fields[0],
		args:    fields[1:],
		timeout: timeout,
	}, nil
}

func (a *CommandAnnouncer) Announce(ctx context.Context, text string) error {
	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	args := append(append([]string(nil), a.args...), text)
	out, err := exec.CommandContext(runCtx, a.name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("speech command failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
