//go:build !unix

package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

type namedSignal string

func (s namedSignal) String() string { return string(s) }
func (namedSignal) Signal()          {}

var (
	sigPause  os.Signal = namedSignal("SIGSTOP")
	sigResume os.Signal = namedSignal("SIGCONT")
	sigTerm   os.Signal = namedSignal("SIGTERM")
)

func detach(_ *exec.Cmd) {}

func signalGroup(_ int, sig os.Signal) error {
	return fmt.Errorf("sending %s: %w", sig, errors.ErrUnsupported)
}
