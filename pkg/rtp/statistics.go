package rtp

import (
	"time"
)

// Statistics снимок статистики сессии.
//
// Счетчики накопительные. Минимальные, средние и максимальные интервалы
// публикуются один раз за интервал отчета и до первого отчета равны нулю.
type Statistics struct {
	PacketsSent       uint32
	OctetsSent        uint32
	PacketsReceived   uint32
	OctetsReceived    uint32
	PacketsLost       uint32
	PacketsOutOfOrder uint32
	PacketsTooLate    uint32

	AverageSendTime    time.Duration
	MaximumSendTime    time.Duration
	MinimumSendTime    time.Duration
	AverageReceiveTime time.Duration
	MaximumReceiveTime time.Duration
	MinimumReceiveTime time.Duration

	JitterTime        time.Duration
	MaximumJitterTime time.Duration
}

// receiveClass классификация принятого пакета по номеру последовательности
type receiveClass int

const (
	receiveFirst receiveClass = iota
	receiveInOrder
	receiveGap
	receiveOutOfOrder
)

func (c receiveClass) String() string {
	switch c {
	case receiveFirst:
		return "first"
	case receiveInOrder:
		return "in_order"
	case receiveGap:
		return "gap"
	case receiveOutOfOrder:
		return "out_of_order"
	default:
		return "unknown"
	}
}

// intervalAccumulator накапливает интервалы между пакетами в миллисекундах
type intervalAccumulator struct {
	count uint32
	total uint64
	max   uint32
	min   uint32
}

func newIntervalAccumulator() intervalAccumulator {
	return intervalAccumulator{min: 0xffffffff}
}

func (a *intervalAccumulator) add(ms uint32) {
	a.count++
	a.total += uint64(ms)
	if ms > a.max {
		a.max = ms
	}
	if ms < a.min {
		a.min = ms
	}
}

// snapshot возвращает среднее, максимум и минимум и сбрасывает накопитель
func (a *intervalAccumulator) snapshot() (avg, maxMs, minMs time.Duration) {
	avg = time.Duration(a.total/uint64(a.count)) * time.Millisecond
	maxMs = time.Duration(a.max) * time.Millisecond
	minMs = time.Duration(a.min) * time.Millisecond
	*a = newIntervalAccumulator()
	return avg, maxMs, minMs
}

// statistics движок статистики сессии. Не потокобезопасен: все вызовы
// выполняются под мьютексом сессии.
type statistics struct {
	maxConsecutiveOutOfOrder int
	forwardSkipTolerance     uint16

	published Statistics

	// отправка
	lastSentPacketTime  time.Time
	lastSentTimestamp   uint32
	sendIntervals       intervalAccumulator
	packetsSentAtReport uint32
	// отправка шла в последнем завершенном интервале SR
	sentLastInterval bool

	// прием
	started                bool
	expectedSequenceNumber uint16
	highestSequenceNumber  uint16
	sequenceCycles         uint32
	consecutiveOutOfOrder  int
	lastReceivedPacketTime time.Time
	receiveIntervals       intervalAccumulator
	lastTransitTime        int64
	jitterLevel            int64
	maximumJitterLevel     int64
	packetsRecvAtReport    uint32

	// состояние для расчета доли потерь между RR
	lastReportExtended uint32
	lastReportReceived uint32
}

func newStatistics(maxConsecutiveOutOfOrder int, forwardSkipTolerance uint16, now time.Time) *statistics {
	return &statistics{
		maxConsecutiveOutOfOrder: maxConsecutiveOutOfOrder,
		forwardSkipTolerance:     forwardSkipTolerance,
		lastSentPacketTime:       now,
		lastReceivedPacketTime:   now,
		sendIntervals:            newIntervalAccumulator(),
		receiveIntervals:         newIntervalAccumulator(),
	}
}

// onSend учитывает отправленный кадр
func (s *statistics) onSend(now time.Time, timestamp uint32, payloadSize int, marker bool) {
	if s.published.PacketsSent != 0 && !marker {
		s.sendIntervals.add(elapsedMs(s.lastSentPacketTime, now))
	}

	s.lastSentPacketTime = now
	s.lastSentTimestamp = timestamp
	s.published.OctetsSent += uint32(payloadSize)
	s.published.PacketsSent++
}

// onReceive учитывает принятый кадр от зафиксированного источника и
// классифицирует его номер последовательности.
func (s *statistics) onReceive(now time.Time, seq uint16, payloadSize int, marker bool) receiveClass {
	class := s.sequence(seq)

	if class == receiveInOrder && !marker {
		diff := elapsedMs(s.lastReceivedPacketTime, now)
		s.receiveIntervals.add(diff)

		// предполагается аудио с частотой 8 кГц
		transit := int64(diff) * 8
		variance := transit - s.lastTransitTime
		s.lastTransitTime = transit
		if variance < 0 {
			variance = -variance
		}
		s.jitterLevel += variance - ((s.jitterLevel + 8) >> 4)
		if s.jitterLevel < 0 {
			s.jitterLevel = 0
		}
		if s.jitterLevel > s.maximumJitterLevel {
			s.maximumJitterLevel = s.jitterLevel
		}
	}

	s.lastReceivedPacketTime = now
	s.published.OctetsReceived += uint32(payloadSize)
	s.published.PacketsReceived++
	return class
}

// sequence обновляет ожидаемый номер последовательности с учетом перехода через 0
func (s *statistics) sequence(seq uint16) receiveClass {
	if !s.started {
		s.started = true
		s.restart(seq)
		s.lastReportExtended = s.extendedHighest() - 1
		return receiveFirst
	}

	delta := int16(seq - s.expectedSequenceNumber)
	switch {
	case delta == 0:
		s.advance(seq)
		s.consecutiveOutOfOrder = 0
		return receiveInOrder

	case delta > 0:
		if uint16(delta) > s.forwardSkipTolerance {
			s.published.PacketsLost += uint32(delta)
		}
		s.advance(seq)
		s.consecutiveOutOfOrder = 0
		return receiveGap

	default:
		s.published.PacketsOutOfOrder++
		s.consecutiveOutOfOrder++
		if s.consecutiveOutOfOrder > s.maxConsecutiveOutOfOrder {
			// источник перезапустил нумерацию
			s.restart(seq)
			s.consecutiveOutOfOrder = 0
		}
		return receiveOutOfOrder
	}
}

func (s *statistics) advance(seq uint16) {
	if seq < s.highestSequenceNumber {
		s.sequenceCycles += 1 << 16
	}
	s.highestSequenceNumber = seq
	s.expectedSequenceNumber = seq + 1
}

func (s *statistics) restart(seq uint16) {
	s.highestSequenceNumber = seq
	s.expectedSequenceNumber = seq + 1
}

// resetSource сбрасывает нумерацию при смене источника
func (s *statistics) resetSource() {
	s.started = false
	s.consecutiveOutOfOrder = 0
}

func (s *statistics) extendedHighest() uint32 {
	return s.sequenceCycles | uint32(s.highestSequenceNumber)
}

// snapshotSend публикует интервалы отправки. Возвращает false, если с прошлого
// отчета ничего не отправлялось.
func (s *statistics) snapshotSend() bool {
	s.sentLastInterval = s.published.PacketsSent != s.packetsSentAtReport
	if !s.sentLastInterval {
		return false
	}
	s.packetsSentAtReport = s.published.PacketsSent
	if s.sendIntervals.count > 0 {
		s.published.AverageSendTime, s.published.MaximumSendTime, s.published.MinimumSendTime = s.sendIntervals.snapshot()
	}
	return true
}

// sending сообщает, передает ли сессия сейчас: кадры отправлены после
// последнего интервала SR или в течение него.
func (s *statistics) sending() bool {
	return s.sentLastInterval || s.published.PacketsSent != s.packetsSentAtReport
}

// snapshotReceive публикует интервалы приема. Возвращает false, если с
// прошлого отчета ничего не принималось.
func (s *statistics) snapshotReceive() bool {
	if s.published.PacketsReceived == s.packetsRecvAtReport {
		return false
	}
	s.packetsRecvAtReport = s.published.PacketsReceived
	if s.receiveIntervals.count > 0 {
		s.published.AverageReceiveTime, s.published.MaximumReceiveTime, s.published.MinimumReceiveTime = s.receiveIntervals.snapshot()
	}
	return true
}

// receiverReport формирует блок отчета о приеме и запоминает точку отсчета
// для доли потерь следующего интервала.
func (s *statistics) receiverReport(source, lastSR, delaySinceLastSR uint32) ReceiverReport {
	extended := s.extendedHighest()
	expectedInterval := extended - s.lastReportExtended
	receivedInterval := s.published.PacketsReceived - s.lastReportReceived
	s.lastReportExtended = extended
	s.lastReportReceived = s.published.PacketsReceived

	var fraction uint8
	lostInterval := int64(expectedInterval) - int64(receivedInterval)
	if expectedInterval > 0 && lostInterval > 0 {
		fraction = uint8(min((lostInterval<<8)/int64(expectedInterval), 255))
	}

	return ReceiverReport{
		SourceIdentifier:   source,
		FractionLost:       fraction,
		TotalLost:          s.published.PacketsLost,
		LastSequenceNumber: extended,
		Jitter:             uint32(s.jitterLevel >> 4),
		LastSR:             lastSR,
		DelaySinceLastSR:   delaySinceLastSR,
	}
}

// snapshot возвращает копию опубликованной статистики
func (s *statistics) snapshot() Statistics {
	stats := s.published
	stats.JitterTime = time.Duration(s.jitterLevel>>7) * time.Millisecond
	stats.MaximumJitterTime = time.Duration(s.maximumJitterLevel>>7) * time.Millisecond
	return stats
}

func elapsedMs(from, to time.Time) uint32 {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return uint32(d.Milliseconds())
}
