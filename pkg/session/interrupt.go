// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// RaceInterrupt runs task and returns as soon as either the task finishes
// or a value arrives on interrupt. On interrupt the task's context is
// cancelled and its eventual result is dropped; ErrInterrupted is returned.
func RaceInterrupt[T any](ctx context.Context, interrupt <-chan T, task func(ctx context.Context) error) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- task(taskCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-interrupt:
		return ErrInterrupted
	}
}

// RunUntilInterrupted races task against SIGINT and SIGTERM.
func RunUntilInterrupted(ctx context.Context, task func(ctx context.Context) error) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	return RaceInterrupt(ctx, signals, task)
}
