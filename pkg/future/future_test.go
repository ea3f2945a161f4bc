// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package future

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFutureSetOnce(t *testing.T) {
	f := New()

	if f.IsDone() {
		t.Fatal("new future is done")
	}

	cause := errors.New("oops")
	if !f.Fail(NewResult(BadAuthent, cause, true)) {
		t.Fatal("first completion was refused")
	}
	if f.Success(nil) {
		t.Fatal("second completion was accepted")
	}
	if f.Cancel() {
		t.Fatal("cancel after completion was accepted")
	}

	if !f.IsFailed() || f.IsSuccess() || f.IsCanceled() {
		t.Fatal("future is not in the failed state")
	}
	if !errors.Is(f.Err(), cause) {
		t.Fatalf("unexpected error %v", f.Err())
	}
	if r := f.Result(); r.Code != BadAuthent || !r.Answered {
		t.Fatalf("unexpected result %v", r)
	}
}

func TestFutureCancel(t *testing.T) {
	f := New()
	f.Cancel()

	if !f.IsCanceled() || !f.IsFailed() {
		t.Fatal("future is not canceled")
	}
	if !errors.Is(f.Err(), ErrCanceled) {
		t.Fatalf("unexpected error %v", f.Err())
	}
	if f.Result().Code != Canceled {
		t.Fatalf("unexpected code %v", f.Result().Code)
	}
}

func TestFutureSuccessDefaultResult(t *testing.T) {
	f := New()
	f.Success(nil)

	if f.Err() != nil {
		t.Fatal(f.Err())
	}
	if f.Result().Code != Completed {
		t.Fatalf("unexpected code %v", f.Result().Code)
	}
}

func TestFutureAwait(t *testing.T) {
	f := New()

	start := time.Now()
	if f.Await(50 * time.Millisecond) {
		t.Fatal("pending future was awaited")
	}
	if d := time.Since(start); d < 50*time.Millisecond {
		t.Fatalf("await returned after %v", d)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.Success(nil)
	}()

	if !f.Await(time.Second) {
		t.Fatal("completed future was not awaited")
	}
}

func TestFutureConcurrentCompletion(t *testing.T) {
	const workers = 32

	f := New()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()

			var ok bool
			if i%2 == 0 {
				ok = f.Success(nil)
			} else {
				ok = f.Fail(nil)
			}

			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d goroutines completed the future", wins)
	}

	select {
	case <-f.Done():
	default:
		t.Fatal("done channel is open")
	}
}
