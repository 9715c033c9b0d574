package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAllHealthy(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("policy", func(context.Context) error { return nil })
	c.Register("state_db", func(context.Context) error { return nil })

	st := c.Check(context.Background())
	require.True(t, st.Healthy)
	require.Equal(t, map[string]string{"policy": "ok", "state_db": "ok"}, st.Checks)
	require.Empty(t, st.Issues)
}

func TestCheckReportsFailuresPanicsAndTimeouts(t *testing.T) {
	c := NewChecker(50 * time.Millisecond)
	c.Register("halted", func(context.Context) error { return errors.New("privileged dispatch halted") })
	c.Register("panics", func(context.Context) error { panic("boom") })
	c.Register("slow", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	c.Register("ok", func(context.Context) error { return nil })

	start := time.Now()
	st := c.Check(context.Background())
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.False(t, st.Healthy)
	require.Equal(t, "fail", st.Checks["halted"])
	require.Equal(t, "fail", st.Checks["panics"])
	require.Equal(t, "fail", st.Checks["slow"])
	require.Equal(t, "ok", st.Checks["ok"])
	require.Len(t, st.Issues, 3)
	require.Contains(t, st.Issues[0], "halted: privileged dispatch halted")
}
