package rtp

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskSlotReplace(t *testing.T) {
	var slot taskSlot
	logger := slog.Default()

	var first atomic.Bool
	require.NoError(t, slot.replace(context.Background(), "first", logger, func(ctx context.Context) error {
		<-ctx.Done()
		first.Store(true)
		return errors.New("первая задача")
	}))
	assert.True(t, slot.running())

	err := slot.replace(context.Background(), "second", logger, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	assert.EqualError(t, err, "первая задача", "ошибка старой задачи возвращается")
	assert.True(t, first.Load(), "старая задача завершена до запуска новой")

	require.NoError(t, slot.stop())
	assert.False(t, slot.running())
	assert.NoError(t, slot.stop(), "повторная остановка безопасна")
}

func TestTaskSlotClose(t *testing.T) {
	var slot taskSlot
	logger := slog.Default()

	require.NoError(t, slot.replace(context.Background(), "worker", logger, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))
	require.NoError(t, slot.close())
	assert.False(t, slot.running())

	var started atomic.Bool
	err := slot.replace(context.Background(), "late", logger, func(ctx context.Context) error {
		started.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, errTaskSlotClosed)
	assert.False(t, started.Load(), "закрытый слот не запускает задачи")
	assert.False(t, slot.running())
}

func TestTaskRecoversPanic(t *testing.T) {
	task := startTask(context.Background(), "panic", slog.Default(), func(context.Context) error {
		panic("сбой")
	})
	err := task.stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "паника в panic")
}
