package seqmgr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueHandle_PostTaskForwardsToQueue(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))
	h := NewTaskQueueHandle(tq)

	var ran bool
	require.NoError(t, h.PostTask(PostedTask{Callback: func() { ran = true }}))
	task, _, ok := m.TakeTask()
	require.True(t, ok)
	task.Callback()
	m.DidRunTask()
	assert.True(t, ran)
	assert.Same(t, tq, h.Queue())
}

func TestTaskQueueHandle_NilQueueDegradesGracefully(t *testing.T) {
	h := NewTaskQueueHandle(nil)
	err := h.PostTask(PostedTask{Callback: func() {}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueShutDown))
	assert.Nil(t, h.Queue())
}

func TestTaskQueueHandle_ResetDetachesWithoutShuttingDownQueue(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))
	h := NewTaskQueueHandle(tq)

	h.Reset()
	assert.Nil(t, h.Queue())
	err := h.PostTask(PostedTask{Callback: func() {}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueShutDown))

	// the underlying queue is untouched and still reachable directly
	require.NoError(t, tq.PostTask(PostedTask{Callback: func() {}}))
	_, _, ok := m.TakeTask()
	assert.True(t, ok)
}

func TestTaskQueueHandle_ShutdownAndResetShutsDownQueue(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))
	h := NewTaskQueueHandle(tq)

	h.ShutdownAndReset()
	assert.Nil(t, h.Queue())
	err := tq.PostTask(PostedTask{Callback: func() {}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueShutDown))
}
