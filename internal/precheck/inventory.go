package precheck

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Inventory lists the distributions installed in the environment scripts run in
type Inventory interface {
	Installed(ctx context.Context) ([]string, error)
}

// PipInventory asks pip for the installed distributions
type PipInventory struct {
	Command []string
	Timeout time.Duration
}

func (p PipInventory) Installed(ctx context.Context) ([]string, error) {
	if len(p.Command) == 0 {
		return nil, errors.New("no inventory command configured")
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", strings.Join(p.Command, " "), err, strings.TrimSpace(stderr.String()))
	}

	return ParseFreeze(&stdout), nil
}

// ParseFreeze extracts distribution names from `pip list --format=freeze` output
func ParseFreeze(r io.Reader) []string {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		name, _, ok := strings.Cut(line, "==")
		if !ok {
			// editable installs are reported as "name @ file:///..."
			name, _, ok = strings.Cut(line, " @ ")
		}
		if ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// StaticInventory is a fixed list of installed distributions
type StaticInventory []string

func (s StaticInventory) Installed(context.Context) ([]string, error) {
	return s, nil
}
