// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package executor runs background tasks on a fixed pool of workers.
//
// Tasks are queued in an unbounded FIFO. Stop refuses new tasks, drains the
// queued ones and waits for all workers to finish.
package executor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/eapache/queue"
	log "github.com/sirupsen/logrus"
)

// ErrExecutorClosed is returned by Submit after Stop was called.
var ErrExecutorClosed = errors.New("executor is closed")

// Task is a unit of work.
type Task func()

// Executor is a worker pool draining one task queue.
type Executor struct {
	name string

	mutex   sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue
	stopped bool

	workers sync.WaitGroup
}

// New Executor with the given amount of workers. A non-positive amount selects
// the number of CPUs.
func New(name string, workers int) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	e := &Executor{
		name:  name,
		tasks: queue.New(),
	}
	e.cond = sync.NewCond(&e.mutex)

	e.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go e.work(i)
	}

	return e
}

func (e *Executor) log() *log.Entry {
	return log.WithField("executor", e.name)
}

// Submit a Task for execution.
func (e *Executor) Submit(task Task) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.stopped {
		return ErrExecutorClosed
	}

	e.tasks.Add(task)
	e.cond.Signal()
	return nil
}

// Pending is the amount of queued, not yet started Tasks.
func (e *Executor) Pending() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.tasks.Length()
}

func (e *Executor) next() (Task, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for e.tasks.Length() == 0 && !e.stopped {
		e.cond.Wait()
	}

	if e.tasks.Length() == 0 {
		return nil, false
	}
	return e.tasks.Remove().(Task), true
}

func (e *Executor) work(id int) {
	defer e.workers.Done()

	for {
		task, ok := e.next()
		if !ok {
			return
		}
		e.run(id, task)
	}
}

func (e *Executor) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.log().WithFields(log.Fields{
				"worker": id,
				"error":  fmt.Sprint(r),
			}).Error("Task panicked")
		}
	}()

	task()
}

// Stop refuses further Tasks, finishes the queued ones and waits for all
// workers. Calling Stop more than once is a no-op.
func (e *Executor) Stop() {
	e.mutex.Lock()
	if e.stopped {
		e.mutex.Unlock()
		return
	}
	e.stopped = true
	e.cond.Broadcast()
	e.mutex.Unlock()

	e.workers.Wait()
	e.log().Debug("Executor stopped")
}
