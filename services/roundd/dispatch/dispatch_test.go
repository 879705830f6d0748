package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasks(t *testing.T) {
	p, err := New(4, time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Close(time.Second)

	var ran int32
	for i := 0; i < 4; i++ {
		if err := p.Go("count", func(ctx context.Context) {
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("expected task deadline")
			}
			atomic.AddInt32(&ran, 1)
		}); err != nil {
			t.Fatalf("go: %v", err)
		}
	}
	p.Wait()
	if atomic.LoadInt32(&ran) != 4 {
		t.Fatalf("expected 4 tasks, ran %d", ran)
	}
}

func TestPoolDropsWhenSaturated(t *testing.T) {
	p, err := New(1, time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Close(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Go("block", func(context.Context) {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("go: %v", err)
	}
	<-started
	err = p.Go("overflow", func(context.Context) {})
	if !errors.Is(err, ErrSaturated) {
		t.Fatalf("expected saturation, got %v", err)
	}
	close(release)
	p.Wait()
}

func TestPoolRecoversPanics(t *testing.T) {
	p, err := New(1, time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Close(time.Second)
	if err := p.Go("panic", func(context.Context) { panic("boom") }); err != nil {
		t.Fatalf("go: %v", err)
	}
	p.Wait()
	// the panicking worker is recycled asynchronously
	deadline := time.Now().Add(time.Second)
	for {
		err := p.Go("after", func(context.Context) {})
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool unusable after panic: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Wait()
}
