//go:build !unix

package process

import (
	"errors"
	"os"
	"syscall"

	"github.com/rs/zerolog/log"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// signalGroup is a no-op where process groups are not available; descendants are signalled
// individually instead.
func signalGroup(int, bool) {}

func groupAlive(int) bool {
	return false
}

// signalProcess kills p. There is no polite termination signal on these platforms.
func signalProcess(p *os.Process, _ bool) {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debug().Err(err).Int("pid", p.Pid).Msg("Could not kill process")
	}
}
