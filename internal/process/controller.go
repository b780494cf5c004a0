package process

import (
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
	"scriptrunner/internal/metrics"
)

const livenessPoll = 20 * time.Millisecond

// Controller launches children and tears down their process trees
type Controller struct {
	// TerminateGrace is how long the tree gets to exit after the polite signal
	TerminateGrace time.Duration
	// KillWait bounds the wait after the forced kill
	KillWait time.Duration

	metrics metrics.Sink
}

func NewController(terminateGrace, killWait time.Duration, sink metrics.Sink) *Controller {
	return &Controller{
		TerminateGrace: terminateGrace,
		KillWait:       killWait,
		metrics:        metrics.OrNoop(sink),
	}
}

// Terminate stops the child and every descendant it spawned. Descendants are enumerated before
// the child is signalled because they are re-parented as soon as it dies. The sequence is: polite
// signal to everything, wait up to TerminateGrace, kill survivors, wait up to KillWait. A child
// that already exited gets the same sequence for whatever it left behind in its process group.
//
// Terminate is idempotent and safe to call on a child that already exited. It returns an error
// only if part of the tree is still alive at the end.
func (c *Controller) Terminate(h *Handle) error {
	h.terminateMu.Lock()
	defer h.terminateMu.Unlock()
	defer h.release()

	if h.terminated {
		c.metrics.TerminateCompleted(metrics.StageAlreadyExited)
		return nil
	}

	var descendants []*process.Process
	if h.Alive() {
		descendants = Descendants(h.pid)
	}

	if c.gone(h, descendants) {
		h.terminated = true
		c.metrics.TerminateCompleted(metrics.StageAlreadyExited)
		return nil
	}

	log.Debug().
		Int("pid", h.pid).
		Bool("leader_alive", h.Alive()).
		Int("descendants", len(descendants)).
		Msg("Terminating process tree")

	c.signalTree(h, descendants, false)
	if c.waitGone(h, descendants, c.TerminateGrace) {
		h.terminated = true
		c.metrics.TerminateCompleted(metrics.StageGraceful)
		return nil
	}

	log.Warn().Int("pid", h.pid).Dur("grace", c.TerminateGrace).Msg("Process tree ignored termination, killing")

	c.signalTree(h, descendants, true)
	if c.waitGone(h, descendants, c.KillWait) {
		h.terminated = true
		c.metrics.TerminateCompleted(metrics.StageForced)
		return nil
	}

	c.metrics.TerminateCompleted(metrics.StageFailed)
	return fmt.Errorf("process %d or one of its descendants is still alive after kill", h.pid)
}

func (c *Controller) signalTree(h *Handle, descendants []*process.Process, force bool) {
	alive := h.Alive()
	if alive || groupAlive(h.pid) {
		signalGroup(h.pid, force)
	}
	if alive {
		signalProcess(h.cmd.Process, force)
	}

	for _, p := range descendants {
		if !isAlive(p) {
			continue
		}

		var err error
		if force {
			err = p.Kill()
		} else {
			err = p.Terminate()
		}
		if err != nil && isAlive(p) {
			log.Debug().Err(err).Int32("pid", p.Pid).Msg("Could not signal descendant")
		}
	}
}

// gone reports whether the child, the given descendants and every member of the child's process
// group have exited
func (c *Controller) gone(h *Handle, descendants []*process.Process) bool {
	return !h.Alive() && !slices.ContainsFunc(descendants, isAlive) && !groupAlive(h.pid)
}

func (c *Controller) waitGone(h *Handle, descendants []*process.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.gone(h, descendants) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		h.WaitExit(livenessPoll)
	}
}

// Descendants returns every process below pid, children first. Enumeration failures yield a
// partial (possibly empty) list.
func Descendants(pid int) []*process.Process {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}

	var out []*process.Process
	seen := map[int32]bool{root.Pid: true}
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, child := range children {
			if seen[child.Pid] {
				continue
			}
			seen[child.Pid] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// Exists reports whether pid refers to a live process. Zombies count as gone.
func Exists(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	return isAlive(p)
}

func isAlive(p *process.Process) bool {
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}

	statuses, err := p.Status()
	if err == nil && slices.Contains(statuses, process.Zombie) {
		return false
	}
	return true
}
