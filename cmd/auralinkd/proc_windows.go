//go:build windows

package main

import (
	"os"
	"syscall"
)

// daemonSysProcAttr runs the background daemon without a console window.
func daemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		HideWindow: true,
	}
}

// stopProcess terminates the daemon. Windows has no SIGTERM, so the hook
// and relay are torn down by process exit.
func stopProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
