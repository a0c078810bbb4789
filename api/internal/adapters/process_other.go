//go:build !unix

package adapters

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

// Without process groups both paths kill the engine outright.
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}

// alive defers to the reaper, which already observed any exit.
func alive(p *os.Process) bool {
	return true
}
