//go:build unix

package process

import (
	"errors"
	"os"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group led by pid
func signalGroup(pid int, force bool) {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}

	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Debug().Err(err).Int("pgid", pid).Msg("Could not signal process group")
	}
}

// groupAlive reports whether the process group led by pid still has a live member. Members that
// exited but were not reaped yet do not count.
func groupAlive(pid int) bool {
	if err := syscall.Kill(-pid, 0); err != nil {
		return false
	}

	pids, err := process.Pids()
	if err != nil {
		return true
	}
	for _, member := range pids {
		if pgid, err := syscall.Getpgid(int(member)); err != nil || pgid != pid {
			continue
		}
		p, err := process.NewProcess(member)
		if err == nil && isAlive(p) {
			return true
		}
	}
	return false
}

func signalProcess(p *os.Process, force bool) {
	var err error
	if force {
		err = p.Kill()
	} else {
		err = p.Signal(syscall.SIGTERM)
	}

	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debug().Err(err).Int("pid", p.Pid).Msg("Could not signal process")
	}
}
