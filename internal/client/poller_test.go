package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mentorchat/internal/models"
)

type countingSource struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (s *countingSource) UnreadCounts(context.Context) (models.UnreadCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return models.UnreadCounts{}, errors.New("unavailable")
	}
	return models.UnreadCounts{Total: s.calls, Conversations: map[int64]int{1: s.calls}}, nil
}

func TestUnreadPollerRefreshesUntilCancelled(t *testing.T) {
	source := &countingSource{}
	updates := make(chan models.UnreadCounts, 16)
	poller := NewUnreadPoller(source, 10*time.Millisecond, func(c models.UnreadCounts) {
		updates <- c
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	for i := 1; i <= 3; i++ {
		select {
		case c := <-updates:
			if c.Total != i {
				t.Fatalf("update %d: expected total %d, got %d", i, i, c.Total)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no update %d", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

func TestUnreadPollerKeepsLastCountsOnFailure(t *testing.T) {
	source := &countingSource{}
	poller := NewUnreadPoller(source, time.Hour, nil, quietLogger())

	if _, ok := poller.Latest(); ok {
		t.Fatal("expected no counts before the first poll")
	}
	poller.Refresh(context.Background())

	source.mu.Lock()
	source.fail = true
	source.mu.Unlock()
	poller.Refresh(context.Background())

	counts, ok := poller.Latest()
	if !ok || counts.Total != 1 || counts.Conversations[1] != 1 {
		t.Fatalf("expected the first counts to be kept, got %+v ok=%v", counts, ok)
	}
}
