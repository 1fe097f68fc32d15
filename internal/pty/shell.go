package pty

import (
	"errors"
	"os"
	"runtime"
	"strings"

	"github.com/kballard/go-shellquote"
)

// terminalEnv is set for every child so programs emit 256-colour and
// truecolor output.
var terminalEnv = []string{
	"TERM=xterm-256color",
	"COLORTERM=truecolor",
}

// resolveArgv decides what runs inside the terminal. A command string runs
// through "sh -c". Otherwise the configured shell (or $SHELL) starts as a
// login shell; a configured shell that carries its own arguments runs as
// written.
func resolveArgv(command, shell string) ([]string, error) {
	if strings.TrimSpace(command) != "" {
		return []string{"sh", "-c", command}, nil
	}

	if strings.TrimSpace(shell) != "" {
		argv, err := shellquote.Split(shell)
		if err != nil {
			return nil, err
		}
		if len(argv) == 0 {
			return nil, errors.New("empty shell")
		}
		if len(argv) == 1 {
			argv = append(argv, "-l")
		}
		return argv, nil
	}

	return []string{DefaultShell(), "-l"}, nil
}

// DefaultShell returns $SHELL, falling back to the platform's usual
// interactive shell.
func DefaultShell() string {
	if sh := strings.TrimSpace(os.Getenv("SHELL")); sh != "" {
		return sh
	}
	candidate := "/bin/bash"
	if runtime.GOOS == "darwin" {
		candidate = "/bin/zsh"
	}
	if _, err := os.Stat(candidate); err != nil {
		return "/bin/sh"
	}
	return candidate
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return os.TempDir()
}

func buildEnv(extra []string) []string {
	env := os.Environ()
	env = append(env, terminalEnv...)
	return append(env, extra...)
}

// KeySequence translates a human-readable key name to the bytes a terminal
// would send for it. Unknown names are returned as-is.
func KeySequence(key string) string {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "enter":
		return "\r"
	case "c-c":
		return "\x03"
	case "c-d":
		return "\x04"
	case "c-z":
		return "\x1a"
	case "c-l":
		return "\x0c"
	case "escape", "esc":
		return "\x1b"
	case "tab":
		return "\t"
	case "backspace":
		return "\x7f"
	case "up":
		return "\x1b[A"
	case "down":
		return "\x1b[B"
	case "right":
		return "\x1b[C"
	case "left":
		return "\x1b[D"
	default:
		return key
	}
}
