package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMarker records the cutoffs it was swept with.
type fakeMarker struct {
	offlineCutoffs []time.Time
	onlineCutoffs  []time.Time
	offlineErr     error
	offlineCount   int64
	onlineCount    int64
}

func (f *fakeMarker) MarkOffline(_ context.Context, cutoff time.Time) (int64, error) {
	if f.offlineErr != nil {
		return 0, f.offlineErr
	}
	f.offlineCutoffs = append(f.offlineCutoffs, cutoff)
	return f.offlineCount, nil
}

func (f *fakeMarker) MarkOnline(_ context.Context, cutoff time.Time) (int64, error) {
	f.onlineCutoffs = append(f.onlineCutoffs, cutoff)
	return f.onlineCount, nil
}

func TestSweepCutoff(t *testing.T) {
	marker := &fakeMarker{offlineCount: 2, onlineCount: 1}
	s := NewSweeper(marker, time.Minute, 10*time.Minute, zerolog.Nop())

	frozen := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	s.Sweep(context.Background())

	require.Len(t, marker.offlineCutoffs, 1)
	require.Len(t, marker.onlineCutoffs, 1)
	want := frozen.Add(-10 * time.Minute)
	assert.Equal(t, want, marker.offlineCutoffs[0])
	assert.Equal(t, want, marker.onlineCutoffs[0])
}

// TestSweepOfflineErrorSkipsOnline tests that a failed offline pass does not
// run the online pass with a possibly inconsistent view.
func TestSweepOfflineErrorSkipsOnline(t *testing.T) {
	marker := &fakeMarker{offlineErr: errors.New("db down")}
	s := NewSweeper(marker, time.Minute, 10*time.Minute, zerolog.Nop())

	s.Sweep(context.Background())

	assert.Empty(t, marker.onlineCutoffs)
}

func TestRunStopsOnCancel(t *testing.T) {
	marker := &fakeMarker{}
	s := NewSweeper(marker, 5*time.Millisecond, 10*time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
	assert.NotEmpty(t, marker.offlineCutoffs, "expected at least one sweep tick")
}
