package rtp

import (
	"fmt"
)

// ErrorCode определяет типизированные коды ошибок транспортного слоя RTP/RTCP.
// Позволяет классифицировать ошибки по категориям и сравнивать их через errors.Is.
type ErrorCode int

const (
	// Ошибки сессии
	ErrorCodeReadClosed ErrorCode = iota + 2000
	ErrorCodeWriteClosed
	ErrorCodeTransportAborted
	ErrorCodeSessionIDMismatch
	ErrorCodeInvalidConfig

	// Ошибки кадров
	ErrorCodeInvalidFrame

	// Ошибки транспорта
	ErrorCodeTransportFailure
	ErrorCodeNoRemoteAddress
	ErrorCodeNoControlChannel

	// Ошибки jitter buffer
	ErrorCodeJitterBufferClosed
	ErrorCodeNothingReady
	ErrorCodeJitterBufferShrink
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeReadClosed:
		return "ReadClosed"
	case ErrorCodeWriteClosed:
		return "WriteClosed"
	case ErrorCodeTransportAborted:
		return "TransportAborted"
	case ErrorCodeSessionIDMismatch:
		return "SessionIDMismatch"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	case ErrorCodeInvalidFrame:
		return "InvalidFrame"
	case ErrorCodeTransportFailure:
		return "TransportFailure"
	case ErrorCodeNoRemoteAddress:
		return "NoRemoteAddress"
	case ErrorCodeNoControlChannel:
		return "NoControlChannel"
	case ErrorCodeJitterBufferClosed:
		return "JitterBufferClosed"
	case ErrorCodeNothingReady:
		return "NothingReady"
	case ErrorCodeJitterBufferShrink:
		return "JitterBufferShrink"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error базовая ошибка RTP слоя.
// Содержит код, сообщение, идентификатор сессии (0 если ошибка не привязана
// к сессии) и обернутую причину.
type Error struct {
	Code      ErrorCode
	Message   string
	SessionID uint32
	Wrapped   error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	if e.SessionID != 0 {
		return fmt.Sprintf("[rtp:%s] сессия %d: %s", e.Code, e.SessionID, msg)
	}
	return fmt.Sprintf("[rtp:%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// newError создает ошибку с кодом для указанной сессии
func newError(code ErrorCode, sessionID uint32, message string, wrapped error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Wrapped:   wrapped,
	}
}

// Сигнальные значения для сравнения через errors.Is
var (
	ErrReadClosed         = &Error{Code: ErrorCodeReadClosed, Message: "чтение закрыто"}
	ErrWriteClosed        = &Error{Code: ErrorCodeWriteClosed, Message: "запись закрыта"}
	ErrTransportAborted   = &Error{Code: ErrorCodeTransportAborted, Message: "транспорт прерван обработчиком"}
	ErrSessionIDMismatch  = &Error{Code: ErrorCodeSessionIDMismatch, Message: "идентификатор сессии не совпадает"}
	ErrInvalidConfig      = &Error{Code: ErrorCodeInvalidConfig, Message: "неверная конфигурация"}
	ErrInvalidFrame       = &Error{Code: ErrorCodeInvalidFrame, Message: "неверный кадр"}
	ErrTransportFailure   = &Error{Code: ErrorCodeTransportFailure, Message: "ошибка транспорта"}
	ErrNoRemoteAddress    = &Error{Code: ErrorCodeNoRemoteAddress, Message: "удаленный адрес не установлен"}
	ErrNoControlChannel   = &Error{Code: ErrorCodeNoControlChannel, Message: "канал управления отсутствует"}
	ErrJitterBufferClosed = &Error{Code: ErrorCodeJitterBufferClosed, Message: "jitter buffer закрыт"}
	ErrNothingReady       = &Error{Code: ErrorCodeNothingReady, Message: "нет готовых кадров"}
	ErrJitterBufferShrink = &Error{Code: ErrorCodeJitterBufferShrink, Message: "jitter buffer нельзя уменьшить без отключения"}
)
