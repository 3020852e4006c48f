//go:build windows

package pty

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/UserExistsError/conpty"
)

type windowsHandle struct {
	cpty *conpty.ConPty
}

func (h *windowsHandle) Read(b []byte) (int, error)  { return h.cpty.Read(b) }
func (h *windowsHandle) Write(b []byte) (int, error) { return h.cpty.Write(b) }
func (h *windowsHandle) Close() error                { return h.cpty.Close() }

func (h *windowsHandle) Resize(cols, rows uint16) error {
	return h.cpty.Resize(int(cols), int(rows))
}

// startPTY starts cmd in a Windows ConPTY pseudo-console. ConPTY creates
// the process itself, so cmd.Process is backfilled afterward to keep the
// caller's Wait/Kill working.
func startPTY(cmd *exec.Cmd, cols, rows int) (Handle, error) {
	cmdLine := buildCmdLine(cmd)

	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(cols, rows)}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	proc, err := os.FindProcess(int(cpty.Pid()))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("find conpty process %d: %w", cpty.Pid(), err)
	}
	cmd.Process = proc

	return &windowsHandle{cpty: cpty}, nil
}

func buildCmdLine(cmd *exec.Cmd) string {
	if len(cmd.Args) == 0 {
		return escapeArg(cmd.Path)
	}
	parts := make([]string, 0, len(cmd.Args))
	for _, a := range cmd.Args {
		parts = append(parts, escapeArg(a))
	}
	return strings.Join(parts, " ")
}

func escapeArg(a string) string {
	if a == "" || strings.ContainsAny(a, " \t\"") {
		return fmt.Sprintf("%q", a)
	}
	return a
}

func baseEnviron() []string {
	return os.Environ()
}
