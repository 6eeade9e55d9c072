package rtp

import (
	"context"
)

// DatagramChannel двунаправленный канал датаграмм.
// Блокирующие операции прерываются отменой контекста.
type DatagramChannel interface {
	// ReadDatagram читает одну датаграмму в buf и возвращает ее длину
	ReadDatagram(ctx context.Context, buf []byte) (int, error)

	// WriteDatagram отправляет одну датаграмму целиком
	WriteDatagram(ctx context.Context, buf []byte) error
}

// Transport пара каналов сессии: данные и управление.
// Набор возможностей фиксируется при создании сессии.
type Transport interface {
	// DataChannel канал RTP кадров
	DataChannel() DatagramChannel

	// ControlChannel канал RTCP кадров, nil если управление не поддерживается
	ControlChannel() DatagramChannel

	// LocalHostName имя хоста для SDES CNAME
	LocalHostName() string

	// Close закрывает оба канала
	Close() error
}
