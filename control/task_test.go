package control

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-devctl/logger"
)

func newMockLogger() *logger.MockLogger {
	mockLogger := logger.NewMockLogger()
	mockLogger.On("Debug", mock.Anything, mock.Anything).Return()
	mockLogger.On("Info", mock.Anything, mock.Anything).Return()
	mockLogger.On("Warn", mock.Anything, mock.Anything).Return()
	mockLogger.On("Error", mock.Anything, mock.Anything).Return()

	return mockLogger
}

func TestTaskManager_StartAndStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewTaskManager(ctx, newMockLogger())

	var iterations atomic.Int32
	var cleaned atomic.Bool

	err := mgr.Start("loop", func() bool {
		iterations.Add(1)
		time.Sleep(time.Millisecond)
		return true
	}, func() { cleaned.Store(true) })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return iterations.Load() > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, mgr.TaskCount())

	mgr.Stop()
	mgr.Wait()

	assert.Equal(t, 0, mgr.TaskCount())
	assert.True(t, cleaned.Load())

	// the manager is reusable after Wait
	err = mgr.Start("loop2", func() bool { return false }, nil)
	require.NoError(t, err)
	mgr.Stop()
	mgr.Wait()
}

func TestTaskManager_TaskReturnsFalse(t *testing.T) {
	mgr := NewTaskManager(context.Background(), newMockLogger())

	var runs atomic.Int32
	err := mgr.Start("once", func() bool {
		runs.Add(1)
		return false
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mgr.TaskCount() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestTaskManager_PanicRecovered(t *testing.T) {
	mgr := NewTaskManager(context.Background(), newMockLogger())

	var runs atomic.Int32
	err := mgr.Start("panicky", func() bool {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		return false
	}, nil)
	require.NoError(t, err)

	// the panic is recovered and the loop keeps running until it
	// returns false
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestTaskManager_StartInterval(t *testing.T) {
	mgr := NewTaskManager(context.Background(), newMockLogger())

	var runs atomic.Int32
	ticker, err := mgr.StartInterval("probe", func() bool {
		runs.Add(1)
		return true
	}, 5*time.Millisecond, true)
	require.NoError(t, err)
	require.NotNil(t, ticker)

	// runNow fires immediately, then the ticker takes over
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)

	mgr.Stop()
	mgr.Wait()

	_, err = mgr.StartInterval("probe", func() bool { return true }, 0, false)
	require.Error(t, err)
}

func TestTaskManager_StartAfterStop(t *testing.T) {
	mgr := NewTaskManager(context.Background(), newMockLogger())
	mgr.Stop()

	err := mgr.Start("late", func() bool { return true }, nil)
	require.Error(t, err)
}
