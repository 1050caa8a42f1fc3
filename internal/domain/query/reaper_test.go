package query

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSweepNow_CountsReapedChannels(t *testing.T) {
	b, r := newTestBroker(0)
	reaper := NewReaper(b, zerolog.Nop())

	q, _ := r.Create(KindDiagnosis, "")
	sub, _ := b.Subscribe(context.Background(), q.ID)
	b.Publish(context.Background(), q.ID, StatusCompleted, nil)
	recvEvent(t, sub)
	recvClosed(t, sub)

	n := reaper.SweepNow()
	if n != 1 {
		t.Errorf("expected 1 channel reaped, got %d", n)
	}
	if reaper.Reaped() != 1 || reaper.Sweeps() != 1 {
		t.Errorf("unexpected counters: reaped=%d sweeps=%d", reaper.Reaped(), reaper.Sweeps())
	}
}

func TestSweepNow_LeavesBusyChannels(t *testing.T) {
	b, r := newTestBroker(0)
	reaper := NewReaper(b, zerolog.Nop())

	q, _ := r.Create(KindDiagnosis, "")
	sub, _ := b.Subscribe(context.Background(), q.ID)
	defer sub.Cancel()

	if n := reaper.SweepNow(); n != 0 {
		t.Errorf("expected 0 reaped, got %d", n)
	}
	if b.ChannelCount() != 1 {
		t.Errorf("busy channel removed, count %d", b.ChannelCount())
	}
}

func TestReaper_StartStopsOnContextCancel(t *testing.T) {
	b, _ := newTestBroker(0)
	reaper := NewReaper(b, zerolog.Nop())
	reaper.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Start(ctx)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop on context cancel")
	}
	if reaper.Sweeps() == 0 {
		t.Error("expected at least one sweep while running")
	}
}
