package rtp

import (
	"encoding/binary"
	"time"
)

// ControlPacketType тип подпакета RTCP согласно RFC 3550 Section 6.1
type ControlPacketType uint8

const (
	ControlTypeSenderReport      ControlPacketType = 200
	ControlTypeReceiverReport    ControlPacketType = 201
	ControlTypeSourceDescription ControlPacketType = 202
	ControlTypeGoodbye           ControlPacketType = 203
	ControlTypeApplDefined       ControlPacketType = 204
)

// String возвращает короткое имя типа
func (t ControlPacketType) String() string {
	switch t {
	case ControlTypeSenderReport:
		return "SR"
	case ControlTypeReceiverReport:
		return "RR"
	case ControlTypeSourceDescription:
		return "SDES"
	case ControlTypeGoodbye:
		return "BYE"
	case ControlTypeApplDefined:
		return "APP"
	default:
		return "unknown"
	}
}

// SDESType тип элемента описания источника согласно RFC 3550 Section 6.5
type SDESType uint8

const (
	SDESEnd   SDESType = 0
	SDESCName SDESType = 1 // Canonical name
	SDESName  SDESType = 2 // User name
	SDESEmail SDESType = 3 // Email address
	SDESPhone SDESType = 4 // Phone number
	SDESLoc   SDESType = 5 // Geographic location
	SDESTool  SDESType = 6 // Application/tool name
	SDESNote  SDESType = 7 // Notice/status
	SDESPriv  SDESType = 8 // Private extensions
)

// Размеры фиксированных частей подпакетов
const (
	receiverReportSize = 24
	senderInfoSize     = 20
	maxReportCount     = 31
	maxSDESItemLength  = 255
	maxLostPackets     = 0x00FFFFFF
)

// ReceiverReport блок отчета о приеме (RFC 3550 Section 6.4.1).
// Вкладывается в SR и RR.
type ReceiverReport struct {
	SourceIdentifier   uint32 // SSRC источника, о котором отчет
	FractionLost       uint8  // доля потерь за интервал, 1/256
	TotalLost          uint32 // накопленные потери, 24 бита на проводе
	LastSequenceNumber uint32 // расширенный старший номер последовательности
	Jitter             uint32 // джиттер в единицах RTP
	LastSR             uint32 // средние 32 бита NTP времени последнего SR
	DelaySinceLastSR   uint32 // задержка с момента приема SR, 1/65536 секунды
}

// SenderReport информация отправителя (RFC 3550 Section 6.4.1)
type SenderReport struct {
	SourceIdentifier uint32
	NTPTimestamp     uint64    // если 0, вычисляется из RealTimestamp
	RealTimestamp    time.Time // время отчета
	RTPTimestamp     uint32
	PacketsSent      uint32
	OctetsSent       uint32
}

// SDESItem элемент описания источника
type SDESItem struct {
	Type SDESType
	Text string
}

// SourceDescription описание одного источника (chunk в SDES)
type SourceDescription struct {
	SourceIdentifier uint32
	Items            []SDESItem
}

// Item возвращает текст первого элемента указанного типа
func (sd SourceDescription) Item(t SDESType) (string, bool) {
	for _, item := range sd.Items {
		if item.Type == t {
			return item.Text, true
		}
	}
	return "", false
}

// Goodbye уведомление о выходе источников (RFC 3550 Section 6.6)
type Goodbye struct {
	Sources []uint32
	Reason  string
}

// AppDefined пакет приложения (RFC 3550 Section 6.7)
type AppDefined struct {
	Subtype uint8  // 5 бит
	Source  uint32 // SSRC/CSRC
	Name    string // 4 ASCII символа
	Data    []byte // дополняется до 32-битной границы
}

// PackLostPackets упаковывает счетчик потерь в 24 бита.
// Значения больше 0xFFFFFF насыщаются.
func PackLostPackets(lost uint32) [3]byte {
	if lost > maxLostPackets {
		lost = maxLostPackets
	}
	return [3]byte{byte(lost >> 16), byte(lost >> 8), byte(lost)}
}

// UnpackLostPackets восстанавливает 24-битный счетчик потерь
func UnpackLostPackets(b [3]byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putReceiverReport(data []byte, rr ReceiverReport) {
	binary.BigEndian.PutUint32(data[0:4], rr.SourceIdentifier)
	data[4] = rr.FractionLost
	lost := PackLostPackets(rr.TotalLost)
	copy(data[5:8], lost[:])
	binary.BigEndian.PutUint32(data[8:12], rr.LastSequenceNumber)
	binary.BigEndian.PutUint32(data[12:16], rr.Jitter)
	binary.BigEndian.PutUint32(data[16:20], rr.LastSR)
	binary.BigEndian.PutUint32(data[20:24], rr.DelaySinceLastSR)
}

func readReceiverReport(data []byte) ReceiverReport {
	return ReceiverReport{
		SourceIdentifier:   binary.BigEndian.Uint32(data[0:4]),
		FractionLost:       data[4],
		TotalLost:          UnpackLostPackets([3]byte{data[5], data[6], data[7]}),
		LastSequenceNumber: binary.BigEndian.Uint32(data[8:12]),
		Jitter:             binary.BigEndian.Uint32(data[12:16]),
		LastSR:             binary.BigEndian.Uint32(data[16:20]),
		DelaySinceLastSR:   binary.BigEndian.Uint32(data[20:24]),
	}
}

func readReceiverReports(data []byte, count int) []ReceiverReport {
	reports := make([]ReceiverReport, 0, count)
	for i := 0; i < count; i++ {
		reports = append(reports, readReceiverReport(data[i*receiverReportSize:]))
	}
	return reports
}

// ntpEpoch начало эпохи NTP, 1 января 1900
var ntpEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// NTPTimestamp конвертирует время в 64-битный NTP timestamp
func NTPTimestamp(t time.Time) uint64 {
	duration := t.Sub(ntpEpoch)

	seconds := uint64(duration / time.Second)
	fraction := uint64(duration%time.Second) << 32 / uint64(time.Second)

	return seconds<<32 | fraction
}

// NTPTimestampToTime конвертирует NTP timestamp в time.Time
func NTPTimestampToTime(ntp uint64) time.Time {
	seconds := int64(ntp >> 32)
	fraction := int64(ntp & 0xFFFFFFFF)
	nanoseconds := (fraction * int64(time.Second)) >> 32

	return ntpEpoch.Add(time.Duration(seconds)*time.Second + time.Duration(nanoseconds))
}

// MiddleNTP возвращает средние 32 бита NTP timestamp (поле LSR)
func MiddleNTP(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// DelaySinceLastSR переводит длительность в единицы 1/65536 секунды (поле DLSR)
func DelaySinceLastSR(d time.Duration) uint32 {
	if d < 0 {
		return 0
	}
	return uint32(d * 65536 / time.Second)
}
