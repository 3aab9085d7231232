package workerpool

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitWaitReturnsOwnResult(t *testing.T) {
	p, err := New(Config{Workers: 3, QueueSize: 10}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true, Data: task.Payload}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	defer p.Stop()

	for i, id := range []string{"a", "b", "c", "d"} {
		res, err := p.SubmitWait(context.Background(), &Task{ID: id, Payload: i})
		if err != nil {
			t.Fatalf("SubmitWait(%s): %v", id, err)
		}
		if res.TaskID != id || res.Data != i {
			t.Errorf("result = %+v, want task %s data %d", res, id, i)
		}
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls int32
	p, _ := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &Result{Error: errors.New("chromium not ready")}
		}
		return &Result{Success: true}
	}, nil)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "job"})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if !res.Success || res.Attempts != 3 {
		t.Errorf("result = %+v, want success on attempt 3", res)
	}
	if s := p.Stats(); s.TasksRetried != 2 || s.TasksCompleted != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestExhaustedRetriesWrapLastError(t *testing.T) {
	boom := errors.New("boom")
	p, _ := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 1, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		return &Result{Error: boom}
	}, nil)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "job"})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if res.Success || !errors.Is(res.Error, boom) || !strings.Contains(res.Error.Error(), "2 attempts") {
		t.Errorf("result = %+v", res)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := p.SubmitWait(context.Background(), &Task{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("SubmitWait err = %v, want ErrPoolClosed", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestFullQueueFailsFast(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		started <- struct{}{}
		<-release
		return &Result{Success: true}
	}, nil)
	p.Start()
	defer p.Stop()

	go p.SubmitWait(context.Background(), &Task{ID: "running"})
	<-started
	go p.SubmitWait(context.Background(), &Task{ID: "queued"})

	deadline := time.Now().Add(time.Second)
	for p.Stats().QueueDepth != 1 {
		if time.Now().After(deadline) {
			t.Fatal("second task never queued")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := p.SubmitWait(context.Background(), &Task{ID: "overflow"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("SubmitWait err = %v, want ErrQueueFull", err)
	}
	if p.IsHealthy() || !errors.Is(p.Check(context.Background()), ErrSaturated) {
		t.Error("full queue reported healthy")
	}

	close(release)
	<-started
}

func TestSubmitWaitHonorsCallerContext(t *testing.T) {
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		<-ctx.Done()
		return &Result{Error: ctx.Err()}
	}, nil)
	p.Start()
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.SubmitWait(ctx, &Task{ID: "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SubmitWait err = %v, want DeadlineExceeded", err)
	}
}
