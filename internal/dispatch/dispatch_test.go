package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	calls []string
}

func TestDispatchRoutesToHandler(t *testing.T) {
	table := NewBuilder[*fakeSession]().
		Handle(1, "ping", func(ctx context.Context, s *fakeSession, p []byte) error {
			s.calls = append(s.calls, "ping:"+string(p))
			return nil
		}).
		Handle(2, "fail", func(ctx context.Context, s *fakeSession, p []byte) error {
			return errors.New("handler failed")
		}).
		Build()

	s := &fakeSession{}
	require.NoError(t, table.Dispatch(context.Background(), 1, []byte("x"), s))
	assert.Equal(t, []string{"ping:x"}, s.calls)

	err := table.Dispatch(context.Background(), 2, nil, s)
	assert.EqualError(t, err, "handler failed")
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, "ping", table.Name(1))
	assert.Equal(t, "", table.Name(99))
}

func TestDispatchUnknownLeavesSessionUntouched(t *testing.T) {
	var observed []string
	table := NewBuilder[*fakeSession]().
		Handle(1, "ping", func(ctx context.Context, s *fakeSession, p []byte) error {
			s.calls = append(s.calls, "ping")
			return nil
		}).
		Observe(func(name string, err error, _ time.Duration) {
			observed = append(observed, name)
		}).
		Build()

	s := &fakeSession{}
	err := table.Dispatch(context.Background(), 42, []byte("?"), s)
	assert.ErrorIs(t, err, ErrUnrecognized)
	assert.Empty(t, s.calls)
	assert.Equal(t, []string{"unknown"}, observed)
}

func TestBuilderPanicsOnMisuse(t *testing.T) {
	noop := func(context.Context, *fakeSession, []byte) error { return nil }

	tests := []struct {
		name  string
		build func()
	}{
		{"duplicate type", func() {
			NewBuilder[*fakeSession]().Handle(1, "a", noop).Handle(1, "b", noop)
		}},
		{"reply type", func() {
			NewBuilder[*fakeSession]().Handle(Type(1).Reply(), "a", noop)
		}},
		{"nil handler", func() {
			NewBuilder[*fakeSession]().Handle(1, "a", nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, tt.build)
		})
	}
}

func TestTableIsolatedFromBuilder(t *testing.T) {
	noop := func(context.Context, *fakeSession, []byte) error { return nil }
	b := NewBuilder[*fakeSession]().Handle(1, "a", noop)
	table := b.Build()
	assert.Equal(t, 1, table.Len())
	assert.Panics(t, func() { b.Handle(2, "b", noop) }, "builder is spent after Build")
	assert.Equal(t, 1, table.Len())
}

func TestDispatchConcurrent(t *testing.T) {
	var mu sync.Mutex
	count := 0
	table := NewBuilder[int]().
		Handle(1, "inc", func(ctx context.Context, _ int, _ []byte) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		}).
		Build()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = table.Dispatch(context.Background(), 1, nil, i)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, count)
}

func TestTypeReply(t *testing.T) {
	assert.Equal(t, Type(0x8003), Type(3).Reply())
	assert.True(t, Type(3).Reply().IsReply())
	assert.False(t, Type(3).IsReply())
}
