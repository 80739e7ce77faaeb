//go:build !windows

package pario

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStageSecondAcquireFailsFast(t *testing.T) {
	st, err := NewStage(64)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.AcquireStage(time.Second)
	require.NoError(t, err)
	require.Same(t, st, got)

	started := time.Now()
	_, err = st.AcquireStage(time.Second)
	require.True(t, IsCode(err, ErrCodeEmpty))
	require.Less(t, time.Since(started), 100*time.Millisecond, "second acquire must not wait")

	st.Release()
	_, err = st.AcquireStage(time.Second)
	require.NoError(t, err)
	st.Release()
}

func TestStageReleaseWithoutAcquirePanics(t *testing.T) {
	st, err := NewStage(64)
	require.NoError(t, err)
	defer st.Close()

	require.Panics(t, func() { st.Release() })
}

func TestStagePoolAcquireTimesOut(t *testing.T) {
	p, err := NewStagePool(1, 64)
	require.NoError(t, err)
	defer p.Close()

	st, err := p.AcquireStage(time.Second)
	require.NoError(t, err)

	_, err = p.AcquireStage(30 * time.Millisecond)
	require.True(t, IsCode(err, ErrCodeEmpty))

	p.ReleaseStage(st)
	st2, err := p.AcquireStage(time.Second)
	require.NoError(t, err)
	require.Same(t, st, st2)
	p.ReleaseStage(st2)
}

func TestStagePoolReleaseWakesWaiter(t *testing.T) {
	p, err := NewStagePool(1, 64)
	require.NoError(t, err)
	defer p.Close()

	st, err := p.AcquireStage(time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		st2, err := p.AcquireStage(5 * time.Second)
		if err == nil {
			p.ReleaseStage(st2)
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.ReleaseStage(st)
	require.NoError(t, <-done)
}

func TestStagePoolStages(t *testing.T) {
	p, err := NewStagePool(3, 64)
	require.NoError(t, err)
	defer p.Close()

	stages := p.Stages()
	require.Len(t, stages, 3)
	seen := make(map[string]bool)
	for _, st := range stages {
		require.False(t, seen[st.Name()], "stage names must be unique")
		seen[st.Name()] = true
		require.Equal(t, int64(64), st.Buffer().PayloadSize())
	}
}

func TestStageBufferLivenessFlag(t *testing.T) {
	st, err := NewStage(64)
	require.NoError(t, err)

	require.False(t, st.Buffer().IsUnlinked())
	require.NoError(t, st.Close())
}
