// Copyright 2024-2026 Aiku AI

package prompt

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// Readline reads echoed lines. The underlying instance is created on first
// use and reused afterwards.
type Readline struct {
	Stdin  io.ReadCloser
	Stdout io.Writer

	lock     sync.Mutex
	instance *readline.Instance
}

func (r *Readline) ReadLine(prompt string) (string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.instance == nil {
		instance, err := readline.NewEx(&readline.Config{
			Prompt:                 prompt,
			Stdin:                  r.Stdin,
			Stdout:                 r.Stdout,
			HistoryLimit:           -1,
			DisableAutoSaveHistory: true,
		})
		if err != nil {
			return "", fmt.Errorf("failed to open line reader: %w", err)
		}
		r.instance = instance
	} else {
		r.instance.SetPrompt(prompt)
	}

	line, err := r.instance.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", ErrCanceled
	} else if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (r *Readline) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.instance == nil {
		return nil
	}
	err := r.instance.Close()
	r.instance = nil
	return err
}
