//go:build !unix

package runner

import (
	"errors"
	"os/exec"
	"syscall"
)

// without process groups Terminate walks the descendants instead
const groupsSupported = false

func setProcessGroup(*exec.Cmd) {}

func processGroup(int) int { return 0 }

func signalGroup(int, syscall.Signal) error {
	return errors.New("process groups are not supported")
}

func groupAlive(int) bool { return false }
