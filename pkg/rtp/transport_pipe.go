package rtp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// pipeQueueLimit максимум датаграмм в очереди канала, при переполнении
// отбрасывается самая старая
const pipeQueueLimit = 1024

// PipeTransport транспорт в памяти процесса. Создается парой связанных концов:
// датаграммы, записанные в один конец, читаются из другого.
type PipeTransport struct {
	hostName string
	data     *pipeChannel
	control  *pipeChannel

	closeOnce sync.Once
}

var _ Transport = (*PipeTransport)(nil)

// NewPipeTransport создает связанную пару транспортов
func NewPipeTransport() (*PipeTransport, *PipeTransport) {
	hostName := localHostName()
	a := &PipeTransport{hostName: hostName, data: newPipeChannel(), control: newPipeChannel()}
	b := &PipeTransport{hostName: hostName, data: newPipeChannel(), control: newPipeChannel()}
	a.data.peer, b.data.peer = b.data, a.data
	a.control.peer, b.control.peer = b.control, a.control
	return a, b
}

func (t *PipeTransport) DataChannel() DatagramChannel    { return t.data }
func (t *PipeTransport) ControlChannel() DatagramChannel { return t.control }
func (t *PipeTransport) LocalHostName() string           { return t.hostName }

// Statistics счетчики каналов данных и управления
func (t *PipeTransport) Statistics() (data, control TransportStatistics) {
	return t.data.counters.snapshot(), t.control.counters.snapshot()
}

// Close закрывает свой конец пары. Датаграммы, отправленные в закрытый конец, теряются.
func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.data.close()
		t.control.close()
	})
	return nil
}

type pipeChannel struct {
	peer     *pipeChannel
	counters transportCounters

	mutex  sync.Mutex
	queue  deque.Deque[[]byte]
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newPipeChannel() *pipeChannel {
	c := &pipeChannel{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.queue.SetMinCapacity(4)
	return c
}

func (c *pipeChannel) close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// deliver кладет копию датаграммы во входящую очередь
func (c *pipeChannel) deliver(buf []byte) {
	datagram := make([]byte, len(buf))
	copy(datagram, buf)

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	if c.queue.Len() >= pipeQueueLimit {
		c.queue.PopFront()
	}
	c.queue.PushBack(datagram)
	c.mutex.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *pipeChannel) ReadDatagram(ctx context.Context, buf []byte) (int, error) {
	for {
		c.mutex.Lock()
		if c.closed {
			c.mutex.Unlock()
			return 0, classifyNetworkError("pipe чтение", net.ErrClosed)
		}
		if c.queue.Len() > 0 {
			datagram := c.queue.PopFront()
			c.mutex.Unlock()
			n := copy(buf, datagram)
			c.counters.received(n, time.Now())
			return n, nil
		}
		c.mutex.Unlock()

		select {
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		case <-c.done:
		case <-c.notify:
		}
	}
}

func (c *pipeChannel) WriteDatagram(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	c.mutex.Lock()
	closed := c.closed
	c.mutex.Unlock()
	if closed {
		c.counters.errorsSend.Add(1)
		return classifyNetworkError("pipe запись", net.ErrClosed)
	}
	c.peer.deliver(buf)
	c.counters.sent(len(buf), time.Now())
	return nil
}
