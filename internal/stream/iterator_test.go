package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harness/internal/event"
	"harness/internal/sse"
)

func TestPullDrainsBufferBeforeError(t *testing.T) {
	boom := errors.New("boom")
	finished := make(chan struct{})
	it := Pull(context.Background(), func(ctx context.Context, emit func(event.Event)) error {
		defer close(finished)
		for i := range 3 {
			emit(event.Text{Content: strconv.Itoa(i)})
		}
		return boom
	})
	defer it.Close()
	<-finished

	ctx := context.Background()
	for i := range 3 {
		ev, err := it.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, event.Text{Content: strconv.Itoa(i)}, ev)
	}
	_, err := it.Next(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestPullPreservesOrderUnderBurst(t *testing.T) {
	const n = 5000
	it := Pull(context.Background(), func(ctx context.Context, emit func(event.Event)) error {
		for i := range n {
			emit(event.Progress{StepNumber: i})
		}
		return nil
	})

	var got []int
	for ev, err := range it.All(context.Background()) {
		require.NoError(t, err)
		got = append(got, ev.(event.Progress).StepNumber)
	}
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestPullNextHonoursCallerContext(t *testing.T) {
	release := make(chan struct{})
	it := Pull(context.Background(), func(ctx context.Context, emit func(event.Event)) error {
		<-release
		emit(event.Done{})
		return nil
	})
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := it.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	ev, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.Done{}, ev)
	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestIteratorCloseCancelsProducer(t *testing.T) {
	stopped := make(chan struct{})
	it := Pull(context.Background(), func(ctx context.Context, emit func(event.Event)) error {
		emit(event.Text{Content: "a"})
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	_, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("producer was not cancelled")
	}
	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSessionEventsClosesConnectionOnBreak(t *testing.T) {
	gone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := sse.NewWriter(w)
		for i := 1; ; i++ {
			f := frame(t, strconv.Itoa(i), event.Text{Content: "tick"})
			if err := sw.Send(f); err != nil {
				break
			}
			select {
			case <-r.Context().Done():
				close(gone)
				return
			case <-time.After(time.Millisecond):
			}
		}
		<-r.Context().Done()
		close(gone)
	}))
	defer srv.Close()

	s := New(srv.URL)
	seen := 0
	for ev, err := range s.Events(context.Background()).All(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, event.Text{Content: "tick"}, ev)
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed after break")
	}
}
