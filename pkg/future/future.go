// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package future provides a one-shot result cell to signal the outcome of a
// request across goroutines.
//
// A Future is completed exactly once, either successfully, failed, or
// canceled. Further completion attempts are ignored and reported as such.
// Waiting is possible without a limit or bounded by a timeout.
package future

import (
	"errors"
	"sync"
	"time"
)

// ErrCanceled is the cause of a Future canceled without any further reason.
var ErrCanceled = errors.New("future canceled")

type state uint8

const (
	pending state = iota
	succeeded
	failed
	canceled
)

// Future is a set-once result cell. The zero value is not usable, use New.
type Future struct {
	mutex  sync.Mutex
	state  state
	result *Result
	done   chan struct{}
}

// New creates a pending Future.
func New() *Future {
	return &Future{
		done: make(chan struct{}),
	}
}

func (f *Future) complete(st state, result *Result) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.state != pending {
		return false
	}

	f.state = st
	f.result = result
	close(f.done)
	return true
}

// Success completes this Future successfully. A nil result is replaced by a
// Completed one. False is returned if the Future was already completed.
func (f *Future) Success(result *Result) bool {
	if result == nil {
		result = &Result{Code: Completed}
	}
	return f.complete(succeeded, result)
}

// Fail completes this Future as failed. False is returned if the Future was
// already completed.
func (f *Future) Fail(result *Result) bool {
	if result == nil {
		result = &Result{Code: Unknown}
	}
	return f.complete(failed, result)
}

// Cancel completes this Future as canceled. False is returned if the Future was
// already completed.
func (f *Future) Cancel() bool {
	return f.complete(canceled, &Result{Code: Canceled, Cause: ErrCanceled})
}

// SetResult replaces the attached Result without changing the Future's state.
// This allows enriching the outcome of an already completed Future.
func (f *Future) SetResult(result *Result) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.result = result
}

// Done returns a channel which is closed when this Future is completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone checks if this Future is completed, in whatever way.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) getState() state {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.state
}

// IsSuccess checks if this Future was completed successfully.
func (f *Future) IsSuccess() bool {
	return f.getState() == succeeded
}

// IsFailed checks if this Future was completed as failed or canceled.
func (f *Future) IsFailed() bool {
	st := f.getState()
	return st == failed || st == canceled
}

// IsCanceled checks if this Future was canceled.
func (f *Future) IsCanceled() bool {
	return f.getState() == canceled
}

// Wait blocks until this Future is completed.
func (f *Future) Wait() {
	<-f.done
}

// Await blocks until this Future is completed or the timeout elapsed. It
// returns true if the Future was completed in time.
func (f *Future) Await(timeout time.Duration) bool {
	if f.IsDone() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return true
	case <-timer.C:
		return false
	}
}

// Result returns the attached Result, which might be nil for a pending Future.
func (f *Future) Result() *Result {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.result
}

// Err returns the cause of a failed or canceled Future and nil otherwise.
func (f *Future) Err() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	switch f.state {
	case failed, canceled:
		if f.result == nil {
			return errors.New("future failed")
		} else if f.result.Cause != nil {
			return f.result.Cause
		}
		return errors.New(f.result.Code.String())
	default:
		return nil
	}
}
