package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunFiresSweepAndStopsOnCancel(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, Jitter: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan time.Time, 1)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(_ context.Context, bucket time.Time) error {
			select {
			case fired <- bucket:
			default:
			}
			return nil
		})
	}()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("调度器未在预期时间内触发")
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("取消后应返回 context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("调度器未在取消后退出")
	}
}
