package rtp

import (
	"encoding/binary"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

// Константы формата RTP заголовка (RFC 3550 Section 5.1)
const (
	ProtocolVersion   = 2
	MinHeaderSize     = 12
	MaxContribSources = 15

	// DefaultFrameSize размер буфера чтения датаграммы по умолчанию
	DefaultFrameSize = 2048
)

const (
	versionMask     = 0xc0
	extensionFlag   = 0x10
	contribCntMask  = 0x0f
	markerFlag      = 0x80
	payloadTypeMask = 0x7f
)

// DataFrame изменяемый буфер одного RTP пакета.
//
// Все поля заголовка читаются и пишутся по фиксированным смещениям, отдельной
// структуры заголовка нет. Полезная нагрузка всегда начинается сразу после
// заголовка (12 байт + 4 байта на каждый CSRC), изменение ее размера не трогает
// заголовок, а увеличение числа CSRC сдвигает полезную нагрузку вправо.
//
// Геттеры не возвращают ошибок: для усеченного пакета недостающие байты читаются
// как нули. Проверять корректность пакета нужно через Validate.
type DataFrame struct {
	data        []byte
	payloadSize int
	truncated   bool
}

// NewDataFrame создает пустой кадр версии 2 с полезной нагрузкой указанного размера.
func NewDataFrame(payloadSize int) *DataFrame {
	if payloadSize < 0 {
		payloadSize = 0
	}
	f := &DataFrame{
		data:        make([]byte, MinHeaderSize+payloadSize),
		payloadSize: payloadSize,
	}
	f.data[0] = ProtocolVersion << 6
	return f
}

// ParseDataFrame оборачивает принятые байты в кадр. Данные копируются.
// Кадр создается даже для некорректных данных, см. Validate.
func ParseDataFrame(raw []byte) *DataFrame {
	f := &DataFrame{data: make([]byte, len(raw))}
	copy(f.data, raw)

	headerSize := f.HeaderSize()
	if len(f.data) < headerSize {
		f.truncated = true
		f.data = append(f.data, make([]byte, headerSize-len(f.data))...)
		return f
	}
	f.payloadSize = len(f.data) - headerSize
	return f
}

// NewDataFrameFromPacket строит кадр из пакета pion/rtp.
func NewDataFrameFromPacket(packet *pionrtp.Packet) (*DataFrame, error) {
	raw, err := packet.Marshal()
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации RTP пакета: %w", err)
	}
	return ParseDataFrame(raw), nil
}

// Validate проверяет версию протокола и полноту заголовка.
func (f *DataFrame) Validate() error {
	if f.truncated {
		return &Error{Code: ErrorCodeInvalidFrame, Message: fmt.Sprintf("заголовок усечен, нужно %d байт", f.HeaderSize())}
	}
	if v := f.Version(); v != ProtocolVersion {
		return &Error{Code: ErrorCodeInvalidFrame, Message: fmt.Sprintf("неподдерживаемая версия RTP: %d", v)}
	}
	return nil
}

// Version возвращает версию протокола (2 бита)
func (f *DataFrame) Version() uint8 {
	return (f.data[0] & versionMask) >> 6
}

// Extension возвращает флаг расширения заголовка
func (f *DataFrame) Extension() bool {
	return f.data[0]&extensionFlag != 0
}

// SetExtension устанавливает флаг расширения. Само расширение остается частью полезной нагрузки.
func (f *DataFrame) SetExtension(ext bool) {
	if ext {
		f.data[0] |= extensionFlag
	} else {
		f.data[0] &^= extensionFlag
	}
}

// Marker возвращает бит маркера
func (f *DataFrame) Marker() bool {
	return f.data[1]&markerFlag != 0
}

// SetMarker устанавливает бит маркера
func (f *DataFrame) SetMarker(marker bool) {
	if marker {
		f.data[1] |= markerFlag
	} else {
		f.data[1] &^= markerFlag
	}
}

// PayloadType возвращает тип полезной нагрузки
func (f *DataFrame) PayloadType() PayloadType {
	return PayloadType(f.data[1] & payloadTypeMask)
}

// SetPayloadType устанавливает тип полезной нагрузки (старший бит отбрасывается)
func (f *DataFrame) SetPayloadType(pt PayloadType) {
	f.data[1] = f.data[1]&markerFlag | byte(pt)&payloadTypeMask
}

// SequenceNumber возвращает номер последовательности
func (f *DataFrame) SequenceNumber() uint16 {
	return binary.BigEndian.Uint16(f.data[2:4])
}

// SetSequenceNumber устанавливает номер последовательности
func (f *DataFrame) SetSequenceNumber(seq uint16) {
	binary.BigEndian.PutUint16(f.data[2:4], seq)
}

// Timestamp возвращает метку времени RTP
func (f *DataFrame) Timestamp() uint32 {
	return binary.BigEndian.Uint32(f.data[4:8])
}

// SetTimestamp устанавливает метку времени RTP
func (f *DataFrame) SetTimestamp(ts uint32) {
	binary.BigEndian.PutUint32(f.data[4:8], ts)
}

// SyncSource возвращает SSRC
func (f *DataFrame) SyncSource() uint32 {
	return binary.BigEndian.Uint32(f.data[8:12])
}

// SetSyncSource устанавливает SSRC
func (f *DataFrame) SetSyncSource(ssrc uint32) {
	binary.BigEndian.PutUint32(f.data[8:12], ssrc)
}

// ContribSrcCount возвращает число CSRC в заголовке
func (f *DataFrame) ContribSrcCount() int {
	if len(f.data) == 0 {
		return 0
	}
	return int(f.data[0] & contribCntMask)
}

// ContribSource возвращает CSRC с индексом idx или 0, если такого нет
func (f *DataFrame) ContribSource(idx int) uint32 {
	if idx < 0 || idx >= f.ContribSrcCount() {
		return 0
	}
	offset := MinHeaderSize + idx*4
	return binary.BigEndian.Uint32(f.data[offset : offset+4])
}

// SetContribSource записывает CSRC с индексом idx.
// Если idx не меньше текущего числа CSRC, заголовок расширяется до idx+1
// элементов, а полезная нагрузка сдвигается вправо без изменений.
func (f *DataFrame) SetContribSource(idx int, src uint32) error {
	if idx < 0 || idx >= MaxContribSources {
		return fmt.Errorf("индекс CSRC вне диапазона: %d", idx)
	}

	if idx >= f.ContribSrcCount() {
		oldHeader := f.HeaderSize()
		payload := make([]byte, f.payloadSize)
		copy(payload, f.data[oldHeader:oldHeader+f.payloadSize])

		f.data[0] = f.data[0]&^contribCntMask | byte(idx+1)
		f.resize(f.HeaderSize() + f.payloadSize)
		clear(f.data[oldHeader:f.HeaderSize()])
		copy(f.data[f.HeaderSize():], payload)
	}

	offset := MinHeaderSize + idx*4
	binary.BigEndian.PutUint32(f.data[offset:offset+4], src)
	return nil
}

// HeaderSize возвращает длину заголовка в байтах
func (f *DataFrame) HeaderSize() int {
	return MinHeaderSize + 4*f.ContribSrcCount()
}

// PayloadSize возвращает длину полезной нагрузки
func (f *DataFrame) PayloadSize() int {
	return f.payloadSize
}

// SetPayloadSize изменяет длину полезной нагрузки, сохраняя заголовок.
// Новые байты заполняются нулями.
func (f *DataFrame) SetPayloadSize(size int) {
	if size < 0 {
		size = 0
	}
	headerSize := f.HeaderSize()
	oldEnd := headerSize + f.payloadSize
	f.resize(headerSize + size)
	if size > f.payloadSize {
		clear(f.data[oldEnd:])
	}
	f.payloadSize = size
}

// Payload возвращает срез полезной нагрузки (без копирования)
func (f *DataFrame) Payload() []byte {
	headerSize := f.HeaderSize()
	return f.data[headerSize : headerSize+f.payloadSize]
}

// SetPayload копирует данные в полезную нагрузку, меняя ее размер
func (f *DataFrame) SetPayload(payload []byte) {
	f.SetPayloadSize(len(payload))
	copy(f.Payload(), payload)
}

// PacketSize возвращает полный размер пакета
func (f *DataFrame) PacketSize() int {
	return f.HeaderSize() + f.payloadSize
}

// Bytes возвращает пакет целиком (заголовок и полезную нагрузку) без копирования
func (f *DataFrame) Bytes() []byte {
	return f.data[:f.PacketSize()]
}

// Clone возвращает независимую копию кадра
func (f *DataFrame) Clone() *DataFrame {
	data := make([]byte, len(f.data))
	copy(data, f.data)
	return &DataFrame{data: data, payloadSize: f.payloadSize, truncated: f.truncated}
}

// Packet преобразует кадр в пакет pion/rtp
func (f *DataFrame) Packet() (*pionrtp.Packet, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	packet := &pionrtp.Packet{}
	if err := packet.Unmarshal(f.Bytes()); err != nil {
		return nil, fmt.Errorf("ошибка разбора RTP пакета: %w", err)
	}
	return packet, nil
}

// String возвращает краткое описание кадра для логов
func (f *DataFrame) String() string {
	return fmt.Sprintf("RTP{pt=%s seq=%d ts=%d ssrc=%08x m=%t csrc=%d payload=%d}",
		f.PayloadType(), f.SequenceNumber(), f.Timestamp(), f.SyncSource(),
		f.Marker(), f.ContribSrcCount(), f.payloadSize)
}

func (f *DataFrame) resize(size int) {
	if size <= cap(f.data) {
		f.data = f.data[:size]
		return
	}
	data := make([]byte, size, size+size/2)
	copy(data, f.data)
	f.data = data
}
