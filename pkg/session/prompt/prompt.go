// Copyright 2024-2026 Aiku AI

// Package prompt reads secrets and lines from the terminal. Secrets go
// through a masked full-screen input when stdin is a terminal and through a
// plain echoed line otherwise.
package prompt

import (
	"errors"
	"io"
	"os"
)

var (
	// ErrUnavailable is returned by a secret backend that cannot run here,
	// for example because stdin is not a terminal.
	ErrUnavailable = errors.New("secure prompt unavailable")
	// ErrCanceled is returned when the user aborts a prompt.
	ErrCanceled = errors.New("prompt canceled")
)

// SecretBackend reads a secret without echoing it.
type SecretBackend interface {
	ReadSecret(title, description string) (string, error)
}

// LineReader reads one line of echoed input.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// Console combines a secret backend with a line reader. Secrets fall back to
// the line reader only when the secret backend reports ErrUnavailable; a
// canceled secure prompt stays canceled.
type Console struct {
	Secure SecretBackend
	Plain  LineReader
}

// NewConsole returns a console prompting on the process's stdin, drawing the
// secret prompt on stderr.
func NewConsole() *Console {
	return &Console{
		Secure: &TeaPrompt{In: os.Stdin, Out: os.Stderr},
		Plain:  &Readline{Stdin: os.Stdin, Stdout: os.Stderr},
	}
}

func (c *Console) ReadSecret(title, description string) (string, error) {
	if c.Secure != nil {
		secret, err := c.Secure.ReadSecret(title, description)
		if !errors.Is(err, ErrUnavailable) {
			return secret, err
		}
	}
	return c.Plain.ReadLine(title + ": ")
}

func (c *Console) ReadLine(prompt string) (string, error) {
	return c.Plain.ReadLine(prompt)
}

// Close releases the line reader if it holds terminal state.
func (c *Console) Close() error {
	if closer, ok := c.Plain.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
