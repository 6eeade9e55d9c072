package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// task фоновая горутина с отменой и ожиданием завершения
type task struct {
	name   string
	cancel context.CancelFunc
	group  *errgroup.Group
}

// startTask запускает fn в отдельной горутине. Паника внутри fn
// перехватывается и возвращается как ошибка из stop.
func startTask(parent context.Context, name string, logger *slog.Logger, fn func(ctx context.Context) error) *task {
	ctx, cancel := context.WithCancel(parent)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Паника в фоновой задаче",
					slog.String("task", name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				err = fmt.Errorf("паника в %s: %v", name, r)
			}
		}()
		return fn(groupCtx)
	})
	return &task{name: name, cancel: cancel, group: group}
}

// stop отменяет задачу и дожидается ее завершения
func (t *task) stop() error {
	t.cancel()
	err := t.group.Wait()
	if err != nil && !isCanceled(err) {
		return err
	}
	return nil
}

// errTaskSlotClosed возвращается replace после close
var errTaskSlotClosed = errors.New("слот фоновой задачи закрыт")

// taskSlot владеет не более чем одной фоновой задачей.
// Замена задачи останавливает и дожидается старую, затем запускает новую,
// все под одной блокировкой. Задача не должна вызывать методы своего слота.
type taskSlot struct {
	mu       sync.Mutex
	current  *task
	shutdown bool
}

// replace останавливает текущую задачу (если есть) и запускает новую.
// Возвращает ошибку завершения старой задачи.
func (s *taskSlot) replace(parent context.Context, name string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return errTaskSlotClosed
	}

	var err error
	if s.current != nil {
		err = s.current.stop()
	}
	s.current = startTask(parent, name, logger, fn)
	return err
}

// stop останавливает текущую задачу. Повторный вызов безопасен.
func (s *taskSlot) stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}
	err := s.current.stop()
	s.current = nil
	return err
}

// close останавливает текущую задачу и запрещает запуск новых
func (s *taskSlot) close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return s.stop()
}

// running сообщает, установлена ли задача
func (s *taskSlot) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
