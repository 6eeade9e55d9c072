package rtp

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Состояния жизненного цикла сессии. Закрытие двухфазное: стороны чтения
// и записи закрываются независимо, сессия закрыта, когда закрыты обе.
const (
	StateOpen        = "open"
	StateReadClosed  = "read_closed"
	StateWriteClosed = "write_closed"
	StateClosed      = "closed"
)

const (
	eventCloseRead  = "close_read"
	eventCloseWrite = "close_write"
)

// lifecycle конечный автомат закрытия сессии
type lifecycle struct {
	machine *fsm.FSM
}

func newLifecycle(logger *slog.Logger) *lifecycle {
	return &lifecycle{
		machine: fsm.NewFSM(
			StateOpen,
			fsm.Events{
				{Name: eventCloseRead, Src: []string{StateOpen}, Dst: StateReadClosed},
				{Name: eventCloseRead, Src: []string{StateWriteClosed}, Dst: StateClosed},
				{Name: eventCloseWrite, Src: []string{StateOpen}, Dst: StateWriteClosed},
				{Name: eventCloseWrite, Src: []string{StateReadClosed}, Dst: StateClosed},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					logger.Debug("Состояние сессии изменено",
						slog.String("from", e.Src),
						slog.String("to", e.Dst))
				},
			},
		),
	}
}

// closeRead переводит автомат; false если сторона чтения уже закрыта
func (l *lifecycle) closeRead() bool {
	return l.machine.Event(context.Background(), eventCloseRead) == nil
}

// closeWrite переводит автомат; false если сторона записи уже закрыта
func (l *lifecycle) closeWrite() bool {
	return l.machine.Event(context.Background(), eventCloseWrite) == nil
}

func (l *lifecycle) state() string {
	return l.machine.Current()
}

func (l *lifecycle) readClosed() bool {
	s := l.machine.Current()
	return s == StateReadClosed || s == StateClosed
}

func (l *lifecycle) writeClosed() bool {
	s := l.machine.Current()
	return s == StateWriteClosed || s == StateClosed
}

func (l *lifecycle) closed() bool {
	return l.machine.Is(StateClosed)
}
