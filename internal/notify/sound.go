package notify

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
)

// playTimeout bounds a stuck audio player.
const playTimeout = 5 * time.Second

// CommandPlayer plays the notification sound with an external player
// (paplay, aplay, afplay depending on platform).
type CommandPlayer struct {
	command string
	args    []string
}

// NewCommandPlayer creates a player. An empty command disables playback.
func NewCommandPlayer(command string, args []string) *CommandPlayer {
	return &CommandPlayer{command: command, args: args}
}

// Play runs the player once.
func (p *CommandPlayer) Play(ctx context.Context) error {
	if p.command == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, playTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("play sound with %s: %w", p.command, err)
	}
	return nil
}

var _ ports.SoundPlayer = (*CommandPlayer)(nil)
