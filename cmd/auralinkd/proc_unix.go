//go:build !windows

package main

import (
	"os"
	"syscall"
)

// daemonSysProcAttr detaches the background daemon from the terminal.
func daemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}

// stopProcess asks the daemon to shut down cleanly.
func stopProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}
