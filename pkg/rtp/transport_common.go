// Общие утилиты сетевых транспортов
//
// Настройка UDP сокетов для голосового трафика (буферы, DSCP маркировка,
// приоритет), классификация сетевых ошибок и счетчики транспорта.
// Платформенные части находятся в transport_socket_*.go.
package rtp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// VoiceOptimizedRecvBuffer размер буфера получения сокета
	VoiceOptimizedRecvBuffer = 65535

	// VoiceOptimizedSendBuffer размер буфера отправки сокета
	VoiceOptimizedSendBuffer = 65535

	// DSCP значения для QoS классификации трафика согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPAssuredForwarding   = 34 // AF41 для видео
	DSCPBestEffort          = 0
)

// socketOptions параметры сокета, применяемые после открытия
type socketOptions struct {
	ReadBufferSize int
	DSCP           int
	ReusePort      bool
	BindToDevice   string
}

// applySocketOptions применяет настройки к открытому UDP сокету
func applySocketOptions(conn *net.UDPConn, options socketOptions) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		sockOptErr = applySockOptForVoice(fd, options)
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}
	return sockOptErr
}

func applySockOptForVoice(fd uintptr, options socketOptions) error {
	recvBufSize := VoiceOptimizedRecvBuffer
	sendBufSize := VoiceOptimizedSendBuffer
	if options.ReadBufferSize*4 > recvBufSize {
		recvBufSize = options.ReadBufferSize * 4
	}
	if err := setSockOptBuffers(fd, recvBufSize, sendBufSize); err != nil {
		return fmt.Errorf("ошибка установки буферов: %w", err)
	}

	if options.DSCP > 0 {
		if err := setSockOptDSCP(fd, options.DSCP); err != nil {
			return fmt.Errorf("ошибка установки DSCP: %w", err)
		}
	}

	if options.ReusePort {
		if err := setSockOptReusePort(fd); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEPORT: %w", err)
		}
	}

	if options.BindToDevice != "" {
		if err := setSockOptBindToDevice(fd, options.BindToDevice); err != nil {
			return fmt.Errorf("ошибка привязки к устройству %s: %w", options.BindToDevice, err)
		}
	}

	setSockOptPriority(fd)
	return nil
}

// localHostName имя хоста для CNAME
func localHostName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

// NetworkErrorType тип сетевой ошибки
type NetworkErrorType int

const (
	ErrorTypeTemporary  NetworkErrorType = iota // Временная ошибка, операцию можно повторить
	ErrorTypePermanent                          // Постоянная ошибка
	ErrorTypeTimeout                            // Истек срок ожидания
	ErrorTypeConnection                         // Удаленная сторона недоступна
	ErrorTypeClosed                             // Сокет закрыт
	ErrorTypeUnknown
)

func (t NetworkErrorType) String() string {
	switch t {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClassifiedError сетевая ошибка с классификацией
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s (type: %s, retryable: %t)",
		e.Operation, e.Err.Error(), e.Type, e.Retryable)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// classifyNetworkError анализирует сетевую ошибку и возвращает классифицированную версию
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
		Type:      ErrorTypeUnknown,
	}

	var netErr net.Error
	switch {
	case errors.Is(err, net.ErrClosed):
		classified.Type = ErrorTypeClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR), errors.Is(err, syscall.ENOBUFS):
		classified.Type = ErrorTypeTemporary
		classified.Retryable = true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		// ICMP недоступности от предыдущей отправки, сокет остается рабочим
		classified.Type = ErrorTypeConnection
		classified.Retryable = true
	case errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EAFNOSUPPORT):
		classified.Type = ErrorTypePermanent
	}

	return classified
}

// isTemporaryError проверяет, остается ли канал рабочим после ошибки чтения
func isTemporaryError(err error) bool {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Retryable
	}
	return false
}

// TransportStatistics счетчики одного канала транспорта
type TransportStatistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ErrorsSend      uint64
	ErrorsReceive   uint64
	LastActivity    time.Time
}

// transportCounters атомарные счетчики канала
type transportCounters struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	errorsSend      atomic.Uint64
	errorsReceive   atomic.Uint64
	lastActivity    atomic.Int64
}

func (c *transportCounters) sent(n int, now time.Time) {
	c.packetsSent.Add(1)
	c.bytesSent.Add(uint64(n))
	c.lastActivity.Store(now.UnixNano())
}

func (c *transportCounters) received(n int, now time.Time) {
	c.packetsReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
	c.lastActivity.Store(now.UnixNano())
}

func (c *transportCounters) snapshot() TransportStatistics {
	stats := TransportStatistics{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		ErrorsSend:      c.errorsSend.Load(),
		ErrorsReceive:   c.errorsReceive.Load(),
	}
	if last := c.lastActivity.Load(); last != 0 {
		stats.LastActivity = time.Unix(0, last)
	}
	return stats
}
