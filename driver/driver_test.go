package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	got := ParseArgs([]string{
		"--headless",
		"--window-size=1920,1080",
		"  ",
		"lang=",
		"--user-agent=a=b",
	})

	want := []Arg{
		{Name: "headless"},
		{Name: "window-size", Value: "1920,1080", HasValue: true},
		{Name: "lang", HasValue: true},
		{Name: "user-agent", Value: "a=b", HasValue: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseArgs mismatch (-want +got):\n%s", diff)
	}
}

func TestPoll(t *testing.T) {
	t.Run("satisfied", func(t *testing.T) {
		calls := 0
		err := Poll(context.Background(), time.Millisecond, func(context.Context) (bool, error) {
			calls++
			return calls == 3, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("condition error", func(t *testing.T) {
		boom := errors.New("boom")
		err := Poll(context.Background(), time.Millisecond, func(context.Context) (bool, error) {
			return false, boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := Poll(ctx, 5*time.Millisecond, func(context.Context) (bool, error) {
			return false, nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
