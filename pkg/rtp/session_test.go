package rtp

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testLocalSSRC  = 0x11111111
	testRemoteSSRC = 0x22222222
)

// recordingHandler запоминает вызовы и возвращает заданные решения
type recordingHandler struct {
	BaseHandler

	mu              sync.Mutex
	sendStatus      SendReceiveStatus
	receiveStatus   SendReceiveStatus
	senderReports   []SenderReport
	receiverReports []ReceiverReport
	descriptions    []SourceDescription
	goodbyes        []Goodbye
}

func (h *recordingHandler) OnSendData(*Session, *DataFrame) SendReceiveStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sendStatus
}

func (h *recordingHandler) OnReceiveData(*Session, *DataFrame) SendReceiveStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.receiveStatus
}

func (h *recordingHandler) OnRxSenderReport(_ *Session, sender SenderReport, reports []ReceiverReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.senderReports = append(h.senderReports, sender)
	h.receiverReports = append(h.receiverReports, reports...)
}

func (h *recordingHandler) OnRxSourceDescription(_ *Session, descriptions []SourceDescription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.descriptions = append(h.descriptions, descriptions...)
}

func (h *recordingHandler) OnRxGoodbye(_ *Session, bye Goodbye) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.goodbyes = append(h.goodbyes, bye)
}

func (h *recordingHandler) setSendStatus(status SendReceiveStatus) {
	h.mu.Lock()
	h.sendStatus = status
	h.mu.Unlock()
}

func (h *recordingHandler) setReceiveStatus(status SendReceiveStatus) {
	h.mu.Lock()
	h.receiveStatus = status
	h.mu.Unlock()
}

func (h *recordingHandler) senderReportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.senderReports)
}

// countingUserData считает уведомления о статистике
type countingUserData struct {
	mu sync.Mutex
	tx int
	rx int
}

func (u *countingUserData) OnTxStatistics(*Session) {
	u.mu.Lock()
	u.tx++
	u.mu.Unlock()
}

func (u *countingUserData) OnRxStatistics(*Session) {
	u.mu.Lock()
	u.rx++
	u.mu.Unlock()
}

func (u *countingUserData) counts() (tx, rx int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tx, u.rx
}

func newTestSession(t *testing.T, modify func(*SessionConfig)) (*Session, *PipeTransport, *clock.Mock) {
	t.Helper()

	local, peer := NewPipeTransport()
	mock := clock.NewMock()

	config := DefaultSessionConfig(1, local)
	config.Clock = mock
	config.SyncSource = testLocalSSRC
	config.CanonicalName = "test@localhost"
	if modify != nil {
		modify(&config)
	}

	session, err := NewSession(config)
	require.NoError(t, err, "Ошибка создания сессии")
	t.Cleanup(func() {
		_ = session.Stop()
		_ = peer.Close()
	})
	return session, peer, mock
}

func sendFromPeer(t *testing.T, peer *PipeTransport, ssrc uint32, seq uint16, ts uint32) {
	t.Helper()

	frame := NewDataFrame(160)
	frame.SetPayloadType(PayloadTypePCMU)
	frame.SetSyncSource(ssrc)
	frame.SetSequenceNumber(seq)
	frame.SetTimestamp(ts)
	require.NoError(t, peer.DataChannel().WriteDatagram(context.Background(), frame.Bytes()))
}

func readData(t *testing.T, session *Session) *DataFrame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := session.ReadData(ctx)
	require.NoError(t, err)
	return frame
}

// drainData читает оставшиеся кадры, пока чтение не упрется в таймаут
func drainData(session *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for {
		if _, err := session.ReadData(ctx); err != nil {
			return
		}
	}
}

func readControl(peer *PipeTransport, wait time.Duration) (*ControlFrame, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	buf := make([]byte, DefaultFrameSize)
	n, err := peer.ControlChannel().ReadDatagram(ctx, buf)
	if err != nil {
		return nil, false
	}
	return ParseControlFrame(buf[:n]), true
}

func compoundTypes(frame *ControlFrame) []ControlPacketType {
	var types []ControlPacketType
	frame.Rewind()
	for {
		types = append(types, frame.PacketType())
		if !frame.ReadNextCompound() {
			return types
		}
	}
}

// === КОНФИГУРАЦИЯ ===

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(SessionConfig{})
	require.Error(t, err, "сессия без транспорта не создается")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	session, _, _ := newTestSession(t, nil)
	assert.Equal(t, uint32(1), session.ID())
	assert.Equal(t, uint32(testLocalSSRC), session.SyncSourceOut())
	assert.Zero(t, session.SyncSourceIn())
	assert.Equal(t, 1, session.References())
	assert.Equal(t, StateOpen, session.State())
	assert.Equal(t, SourceUninitialized, session.SourceState())
	assert.True(t, session.WillIgnoreOtherSources())
	assert.True(t, session.WillIgnoreOutOfOrderPackets())
	assert.Equal(t, DefaultReportInterval, session.SenderReportInterval())
	assert.Equal(t, DefaultReportInterval, session.ReceiverReportInterval())
	assert.NotEmpty(t, session.LocalHostName())
}

func TestGeneratedSSRC(t *testing.T) {
	local, _ := NewPipeTransport()
	session, err := NewSession(DefaultSessionConfig(7, local))
	require.NoError(t, err)
	defer session.Stop()

	assert.NotZero(t, session.SyncSourceOut(), "SSRC генерируется при создании")
	assert.Contains(t, session.CanonicalName(), "@"+local.LocalHostName())
}

// === ПРИЕМ ===

func TestSessionLossAndReorderAccounting(t *testing.T) {
	session, peer, _ := newTestSession(t, nil)

	for _, seq := range []uint16{100, 101, 102, 104, 103} {
		sendFromPeer(t, peer, testRemoteSSRC, seq, uint32(seq)*160)
	}

	var delivered []uint16
	for i := 0; i < 4; i++ {
		delivered = append(delivered, readData(t, session).SequenceNumber())
	}
	drainData(session)

	assert.Equal(t, []uint16{100, 101, 102, 104}, delivered, "кадр вне порядка не выдается по умолчанию")
	stats := session.Statistics()
	assert.Equal(t, uint32(5), stats.PacketsReceived)
	assert.Equal(t, uint32(1), stats.PacketsLost)
	assert.Equal(t, uint32(1), stats.PacketsOutOfOrder)
	assert.Equal(t, uint32(testRemoteSSRC), session.SyncSourceIn())
	assert.Equal(t, SourceActive, session.SourceState())
}

func TestSessionProcessesOutOfOrderWhenConfigured(t *testing.T) {
	session, peer, _ := newTestSession(t, func(c *SessionConfig) {
		c.ProcessOutOfOrderPackets = true
	})

	for _, seq := range []uint16{1, 3, 2} {
		sendFromPeer(t, peer, testRemoteSSRC, seq, uint32(seq)*160)
	}
	assert.Equal(t, uint16(1), readData(t, session).SequenceNumber())
	assert.Equal(t, uint16(3), readData(t, session).SequenceNumber())
	assert.Equal(t, uint16(2), readData(t, session).SequenceNumber(), "кадр вне порядка передается дальше")
	assert.Equal(t, uint32(1), session.PacketsOutOfOrder())
}

func TestSessionLocksFirstSource(t *testing.T) {
	session, peer, _ := newTestSession(t, nil)

	sendFromPeer(t, peer, testRemoteSSRC, 1, 0)
	sendFromPeer(t, peer, 0x33333333, 50, 0)
	sendFromPeer(t, peer, testRemoteSSRC, 2, 160)

	assert.Equal(t, uint16(1), readData(t, session).SequenceNumber())
	assert.Equal(t, uint16(2), readData(t, session).SequenceNumber(), "кадр чужого источника пропущен")

	stats := session.Statistics()
	assert.Equal(t, uint32(2), stats.PacketsReceived, "чужой источник не влияет на статистику")
	assert.Zero(t, stats.PacketsLost)
	assert.Equal(t, uint32(testRemoteSSRC), session.SyncSourceIn())
}

func TestSessionAdoptsNewSourceWhenAllowed(t *testing.T) {
	session, peer, _ := newTestSession(t, nil)
	session.SetIgnoreOtherSources(false)

	sendFromPeer(t, peer, testRemoteSSRC, 1, 0)
	sendFromPeer(t, peer, 0x33333333, 500, 0)
	sendFromPeer(t, peer, 0x33333333, 501, 160)

	for i := 0; i < 3; i++ {
		readData(t, session)
	}
	assert.Equal(t, uint32(0x33333333), session.SyncSourceIn())
	assert.Zero(t, session.PacketsLost(), "смена источника перезапускает учет последовательности")
	assert.Equal(t, uint32(3), session.PacketsReceived())
}

func TestSessionDropsMalformedFrames(t *testing.T) {
	session, peer, _ := newTestSession(t, nil)

	ctx := context.Background()
	require.NoError(t, peer.DataChannel().WriteDatagram(ctx, []byte{0x80, 0x00}))
	bad := NewDataFrame(0)
	bad.Bytes()[0] = 0x40 // версия 1
	require.NoError(t, peer.DataChannel().WriteDatagram(ctx, bad.Bytes()))
	sendFromPeer(t, peer, testRemoteSSRC, 9, 0)

	assert.Equal(t, uint16(9), readData(t, session).SequenceNumber())
	assert.Equal(t, uint32(1), session.PacketsReceived())
}

// === ОБРАБОТЧИК ===

func TestSessionHandlerVerdicts(t *testing.T) {
	handler := &recordingHandler{}
	session, peer, _ := newTestSession(t, func(c *SessionConfig) {
		c.Handler = handler
	})
	ctx := context.Background()

	t.Run("игнорирование при отправке", func(t *testing.T) {
		handler.setSendStatus(IgnorePacket)
		require.NoError(t, session.WriteData(ctx, NewDataFrame(160)))
		assert.Zero(t, session.PacketsSent())
		_, err := peer.DataChannel().ReadDatagram(shortContext(t), make([]byte, 64))
		assert.Error(t, err, "кадр не отправлен")
	})

	t.Run("прерывание при отправке", func(t *testing.T) {
		handler.setSendStatus(AbortTransport)
		assert.ErrorIs(t, session.WriteData(ctx, NewDataFrame(160)), ErrTransportAborted)
		handler.setSendStatus(ProcessPacket)
	})

	t.Run("игнорирование при приеме", func(t *testing.T) {
		handler.setReceiveStatus(IgnorePacket)
		sendFromPeer(t, peer, testRemoteSSRC, 1, 0)
		drainData(session)
		assert.Zero(t, session.PacketsReceived())
		assert.Zero(t, session.SyncSourceIn(), "источник не фиксируется")
	})

	t.Run("прерывание при приеме", func(t *testing.T) {
		handler.setReceiveStatus(AbortTransport)
		sendFromPeer(t, peer, testRemoteSSRC, 2, 0)
		_, err := session.ReadData(ctx)
		assert.ErrorIs(t, err, ErrTransportAborted)
		handler.setReceiveStatus(ProcessPacket)
	})
}

func shortContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

// === ОТПРАВКА ===

func TestSessionWriteStampsFrames(t *testing.T) {
	userData := &countingUserData{}
	session, peer, _ := newTestSession(t, func(c *SessionConfig) {
		c.UserData = userData
	})
	ctx := context.Background()

	var sequences []uint16
	for i := 0; i < 3; i++ {
		frame := NewDataFrame(160)
		frame.SetTimestamp(uint32(i * 160))
		require.NoError(t, session.WriteData(ctx, frame))

		buf := make([]byte, DefaultFrameSize)
		n, err := peer.DataChannel().ReadDatagram(ctx, buf)
		require.NoError(t, err)
		received := ParseDataFrame(buf[:n])
		require.NoError(t, received.Validate())
		assert.Equal(t, uint32(testLocalSSRC), received.SyncSource())
		sequences = append(sequences, received.SequenceNumber())
	}

	assert.Equal(t, sequences[0]+1, sequences[1])
	assert.Equal(t, sequences[1]+1, sequences[2])
	assert.Equal(t, uint32(3), session.PacketsSent())
	assert.Equal(t, uint32(480), session.OctetsSent())

	tx, _ := userData.counts()
	assert.Equal(t, 1, tx, "первый отправленный кадр публикует статистику")
}

// === ЗАКРЫТИЕ ===

func TestSessionCloseWakesBlockedRead(t *testing.T) {
	session, _, _ := newTestSession(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := session.ReadData(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, session.Close(true))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrReadClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Close(true) не разбудил чтение")
	}

	assert.Equal(t, StateReadClosed, session.State())
	assert.NoError(t, session.Close(true), "повторное закрытие безопасно")
	_, err := session.ReadData(context.Background())
	assert.ErrorIs(t, err, ErrReadClosed)

	require.NoError(t, session.WriteData(context.Background(), NewDataFrame(10)), "запись работает после закрытия чтения")
}

func TestSessionCloseWriteSendsGoodbye(t *testing.T) {
	session, peer, _ := newTestSession(t, nil)
	ctx := context.Background()

	require.NoError(t, session.WriteData(ctx, NewDataFrame(160)))
	require.NoError(t, session.Close(false))
	assert.ErrorIs(t, session.WriteData(ctx, NewDataFrame(160)), ErrWriteClosed)
	assert.ErrorIs(t, session.WriteControl(ctx, NewControlFrame()), ErrWriteClosed)

	frame, ok := readControl(peer, time.Second)
	require.True(t, ok, "BYE отправлен при закрытии записи")
	require.NoError(t, frame.Validate())
	assert.Equal(t, []ControlPacketType{ControlTypeSenderReport, ControlTypeSourceDescription, ControlTypeGoodbye},
		compoundTypes(frame))

	frame.Rewind()
	for frame.PacketType() != ControlTypeGoodbye {
		require.True(t, frame.ReadNextCompound())
	}
	bye, err := frame.Goodbye()
	require.NoError(t, err)
	assert.Equal(t, []uint32{testLocalSSRC}, bye.Sources)

	require.NoError(t, session.Close(true))
	assert.Equal(t, StateClosed, session.State())
}

func TestSessionCloseWithoutTrafficSendsNothing(t *testing.T) {
	session, peer, _ := newTestSession(t, nil)

	require.NoError(t, session.Stop())
	_, ok := readControl(peer, 50*time.Millisecond)
	assert.False(t, ok, "без отправленных кадров BYE не нужен")
	assert.Equal(t, StateClosed, session.State())
	assert.Error(t, session.Start(), "закрытую сессию нельзя запустить")
}

// === ОТЧЕТЫ ===

func TestSessionReportsIdleWithoutTraffic(t *testing.T) {
	userData := &countingUserData{}
	session, peer, mock := newTestSession(t, func(c *SessionConfig) {
		c.UserData = userData
	})
	require.NoError(t, session.Start())

	for i := 0; i < 5; i++ {
		mock.Add(20 * time.Second)
		_, ok := readControl(peer, 10*time.Millisecond)
		assert.False(t, ok, "без трафика отчеты не отправляются")
	}

	tx, rx := userData.counts()
	assert.Zero(t, tx)
	assert.Zero(t, rx)
	assert.Equal(t, Statistics{}, session.Statistics(), "статистика сохраняет начальные значения")
}

func TestSessionSendsSenderReport(t *testing.T) {
	userData := &countingUserData{}
	session, peer, mock := newTestSession(t, func(c *SessionConfig) {
		c.UserData = userData
	})
	require.NoError(t, session.Start())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		frame := NewDataFrame(160)
		frame.SetTimestamp(uint32(i * 160))
		require.NoError(t, session.WriteData(ctx, frame))
		mock.Add(20 * time.Millisecond)
	}
	drainPeerData(peer)

	var report *ControlFrame
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		frame, ok := readControl(peer, 5*time.Millisecond)
		if ok {
			report = frame
		}
		return ok
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, report.Validate())
	assert.Equal(t, []ControlPacketType{ControlTypeSenderReport, ControlTypeSourceDescription}, compoundTypes(report))

	report.Rewind()
	sender, blocks, err := report.SenderReport()
	require.NoError(t, err)
	assert.Equal(t, uint32(testLocalSSRC), sender.SourceIdentifier)
	assert.Equal(t, uint32(3), sender.PacketsSent)
	assert.Equal(t, uint32(480), sender.OctetsSent)
	assert.Equal(t, uint32(320), sender.RTPTimestamp)
	assert.Empty(t, blocks, "без входящего потока блока приема нет")

	require.True(t, report.ReadNextCompound())
	descriptions, err := report.SourceDescriptions()
	require.NoError(t, err)
	require.Len(t, descriptions, 1)
	cname, ok := descriptions[0].Item(SDESCName)
	assert.True(t, ok)
	assert.Equal(t, "test@localhost", cname)
	tool, _ := descriptions[0].Item(SDESTool)
	assert.Equal(t, DefaultToolName, tool)

	assert.Equal(t, 20*time.Millisecond, session.AverageSendTime())
	tx, _ := userData.counts()
	assert.GreaterOrEqual(t, tx, 2, "первый кадр и отчет публикуют статистику")
}

func drainPeerData(peer *PipeTransport) {
	buf := make([]byte, DefaultFrameSize)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_, err := peer.DataChannel().ReadDatagram(ctx, buf)
		cancel()
		if err != nil {
			return
		}
	}
}

func TestSessionRecordsSenderReport(t *testing.T) {
	handler := &recordingHandler{}
	session, peer, mock := newTestSession(t, func(c *SessionConfig) {
		c.Handler = handler
	})
	require.NoError(t, session.Start())

	sendFromPeer(t, peer, testRemoteSSRC, 1, 0)
	readData(t, session)

	ntp := NTPTimestamp(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	sr := NewControlFrame()
	require.NoError(t, sr.AddSenderReport(SenderReport{
		SourceIdentifier: testRemoteSSRC,
		NTPTimestamp:     ntp,
		RTPTimestamp:     8000,
		PacketsSent:      50,
		OctetsSent:       8000,
	}, nil))
	require.NoError(t, sr.AddSourceDescription(testRemoteSSRC))
	require.NoError(t, sr.AddSourceDescriptionItem(SDESCName, "peer@remote"))
	require.NoError(t, peer.ControlChannel().WriteDatagram(context.Background(), sr.Bytes()))

	require.Eventually(t, func() bool {
		return handler.senderReportCount() == 1
	}, 2*time.Second, time.Millisecond)

	handler.mu.Lock()
	assert.Equal(t, uint32(50), handler.senderReports[0].PacketsSent)
	require.Len(t, handler.descriptions, 1)
	handler.mu.Unlock()

	mock.Add(time.Second)
	report, err := session.buildReport()
	require.NoError(t, err)
	report.Rewind()
	require.Equal(t, ControlTypeReceiverReport, report.PacketType(), "без отправки формируется RR")
	source, blocks, err := report.ReceiverReport()
	require.NoError(t, err)
	assert.Equal(t, uint32(testLocalSSRC), source)
	require.Len(t, blocks, 1)
	assert.Equal(t, uint32(testRemoteSSRC), blocks[0].SourceIdentifier)
	assert.Equal(t, MiddleNTP(ntp), blocks[0].LastSR)
	assert.Equal(t, uint32(65536), blocks[0].DelaySinceLastSR, "одна секунда в единицах 1/65536")
}

// receiveFrame передает кадр от удаленной стороны и читает его сессией
// без require, чтобы вызываться в циклах ожидания.
func receiveFrame(peer *PipeTransport, session *Session, ssrc uint32, seq uint16) bool {
	frame := NewDataFrame(160)
	frame.SetSyncSource(ssrc)
	frame.SetSequenceNumber(seq)
	frame.SetTimestamp(uint32(seq) * 160)
	if err := peer.DataChannel().WriteDatagram(context.Background(), frame.Bytes()); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := session.ReadData(ctx)
	return err == nil
}

func TestSessionSenderReportCarriesReceptionBlock(t *testing.T) {
	session, peer, mock := newTestSession(t, func(c *SessionConfig) {
		c.SenderReportInterval = time.Second
		c.ReceiverReportInterval = time.Second
	})
	require.NoError(t, session.Start())

	ctx := context.Background()
	var report *ControlFrame
	for i := 0; i < 100 && report == nil; i++ {
		frame := NewDataFrame(160)
		frame.SetTimestamp(uint32(i * 160))
		require.NoError(t, session.WriteData(ctx, frame))
		require.True(t, receiveFrame(peer, session, testRemoteSSRC, uint16(100+i)))

		mock.Add(500 * time.Millisecond)
		if control, ok := readControl(peer, 20*time.Millisecond); ok {
			report = control
		}
	}
	require.NotNil(t, report, "при двусторонней передаче отчет отправляется")

	assert.Equal(t, []ControlPacketType{ControlTypeSenderReport, ControlTypeSourceDescription}, compoundTypes(report),
		"передающая сессия отправляет SR, а не RR")
	report.Rewind()
	sender, blocks, err := report.SenderReport()
	require.NoError(t, err)
	assert.Equal(t, uint32(testLocalSSRC), sender.SourceIdentifier)
	assert.NotZero(t, sender.PacketsSent)

	require.Len(t, blocks, 1, "блок приема входит в SR")
	assert.Equal(t, uint32(testRemoteSSRC), blocks[0].SourceIdentifier)
	assert.Zero(t, blocks[0].TotalLost)
	assert.Zero(t, blocks[0].FractionLost)
	assert.GreaterOrEqual(t, blocks[0].LastSequenceNumber, uint32(100))
}

func TestSessionReportsReceptionAfterSendingStops(t *testing.T) {
	handler := &recordingHandler{}
	session, peer, mock := newTestSession(t, func(c *SessionConfig) {
		c.Handler = handler
		c.SenderReportInterval = time.Second
		c.ReceiverReportInterval = time.Second
	})
	require.NoError(t, session.Start())

	// один кадр и SR за него
	require.NoError(t, session.WriteData(context.Background(), NewDataFrame(160)))
	drainPeerData(peer)

	var first *ControlFrame
	for i := 0; i < 100 && first == nil; i++ {
		mock.Add(500 * time.Millisecond)
		if control, ok := readControl(peer, 20*time.Millisecond); ok {
			first = control
		}
	}
	require.NotNil(t, first)
	first.Rewind()
	require.Equal(t, ControlTypeSenderReport, first.PacketType())

	// удаленная сторона присылает SR, затем поток с одной потерей
	ntp := NTPTimestamp(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	sr := NewControlFrame()
	require.NoError(t, sr.AddSenderReport(SenderReport{SourceIdentifier: testRemoteSSRC, NTPTimestamp: ntp}, nil))
	require.NoError(t, peer.ControlChannel().WriteDatagram(context.Background(), sr.Bytes()))
	require.Eventually(t, func() bool {
		return handler.senderReportCount() == 1
	}, 2*time.Second, time.Millisecond)

	for _, seq := range []uint16{10, 11, 12, 14} {
		require.True(t, receiveFrame(peer, session, testRemoteSSRC, seq))
	}

	// сессия только принимает: отчеты продолжаются в виде RR
	var report *ControlFrame
	seq := uint16(15)
	for i := 0; i < 100 && report == nil; i++ {
		require.True(t, receiveFrame(peer, session, testRemoteSSRC, seq))
		seq++

		mock.Add(500 * time.Millisecond)
		control, ok := readControl(peer, 20*time.Millisecond)
		if !ok {
			continue
		}
		control.Rewind()
		require.Equal(t, ControlTypeReceiverReport, control.PacketType(),
			"без отправки новых кадров SR не формируется")
		report = control
	}
	require.NotNil(t, report, "сессия без передачи продолжает отправлять RR")

	assert.Equal(t, []ControlPacketType{ControlTypeReceiverReport, ControlTypeSourceDescription}, compoundTypes(report))
	report.Rewind()
	source, blocks, err := report.ReceiverReport()
	require.NoError(t, err)
	assert.Equal(t, uint32(testLocalSSRC), source)

	require.Len(t, blocks, 1)
	block := blocks[0]
	assert.Equal(t, uint32(testRemoteSSRC), block.SourceIdentifier)
	assert.Equal(t, uint32(1), block.TotalLost)
	assert.NotZero(t, block.FractionLost, "потеря попадает в первый интервал")
	assert.GreaterOrEqual(t, block.LastSequenceNumber, uint32(15))
	assert.Less(t, block.LastSequenceNumber, uint32(seq))
	assert.Equal(t, MiddleNTP(ntp), block.LastSR)
	assert.GreaterOrEqual(t, block.DelaySinceLastSR, uint32(32768), "не меньше полсекунды с последнего SR")
}

func TestSessionLocksZeroSource(t *testing.T) {
	session, peer, _ := newTestSession(t, nil)

	sendFromPeer(t, peer, 0, 100, 0)
	frame := readData(t, session)
	assert.Zero(t, frame.SyncSource())
	assert.Equal(t, SourceLocked, session.SourceState(), "SSRC 0 фиксируется как обычный")

	sendFromPeer(t, peer, 0x5555, 7, 0)
	sendFromPeer(t, peer, 0, 101, 160)
	frame = readData(t, session)
	assert.Equal(t, uint16(101), frame.SequenceNumber(), "чужой источник отброшен")
	assert.Zero(t, session.SyncSourceIn())
	assert.Equal(t, SourceActive, session.SourceState())

	stats := session.Statistics()
	assert.Equal(t, uint32(2), stats.PacketsReceived)
	assert.Zero(t, stats.PacketsLost)

	report, err := session.buildReport()
	require.NoError(t, err)
	report.Rewind()
	_, blocks, err := report.ReceiverReport()
	require.NoError(t, err)
	require.Len(t, blocks, 1, "блок приема формируется и для SSRC 0")
	assert.Zero(t, blocks[0].SourceIdentifier)
}

func TestSessionReportIntervals(t *testing.T) {
	session, _, _ := newTestSession(t, nil)

	session.SetSenderReportInterval(5 * time.Second)
	session.SetReceiverReportInterval(-1)
	assert.Equal(t, 5*time.Second, session.SenderReportInterval())
	assert.Equal(t, time.Duration(-1), session.ReceiverReportInterval())
	require.NoError(t, session.Start())
}

// === JITTER BUFFER ===

func TestSessionJitterBuffer(t *testing.T) {
	session, peer, mock := newTestSession(t, nil)

	assert.Equal(t, [2]uint32{0, 0}, jitterSize(session), "буфер по умолчанию отключен")
	require.NoError(t, session.SetJitterBufferSize(160, 800))
	assert.Equal(t, [2]uint32{160, 800}, jitterSize(session))

	for i := 0; i < 3; i++ {
		sendFromPeer(t, peer, testRemoteSSRC, uint16(i+1), uint32(i*160))
	}
	require.Eventually(t, func() bool {
		stats, ok := session.JitterBufferStatistics()
		return ok && stats.FramesInserted == 3
	}, 2*time.Second, time.Millisecond)

	mock.Add(20 * time.Millisecond)
	session.jitter.drain()

	ctx := context.Background()
	for _, want := range []uint32{0, 160, 320} {
		frame, err := session.ReadBufferedData(ctx, 320)
		require.NoError(t, err)
		assert.Equal(t, want, frame.Timestamp())
	}

	assert.ErrorIs(t, session.SetJitterBufferSize(80, 800), ErrJitterBufferShrink)
	require.NoError(t, session.SetJitterBufferSize(320, 1600), "расширение разрешено")
	assert.Equal(t, [2]uint32{320, 1600}, jitterSize(session))

	require.NoError(t, session.SetJitterBufferSize(0, 0))
	assert.Equal(t, [2]uint32{0, 0}, jitterSize(session))
	_, ok := session.JitterBufferStatistics()
	assert.False(t, ok)
}

func jitterSize(session *Session) [2]uint32 {
	minDelay, maxDelay := session.JitterBufferSize()
	return [2]uint32{minDelay, maxDelay}
}

func TestSessionCountsTooLateFrames(t *testing.T) {
	session, peer, mock := newTestSession(t, func(c *SessionConfig) {
		c.ProcessOutOfOrderPackets = true
	})
	require.NoError(t, session.SetJitterBufferSize(160, 800))

	sendFromPeer(t, peer, testRemoteSSRC, 1, 160)
	sendFromPeer(t, peer, testRemoteSSRC, 3, 480)
	require.Eventually(t, func() bool {
		stats, _ := session.JitterBufferStatistics()
		return stats.FramesInserted == 2
	}, 2*time.Second, time.Millisecond)

	mock.Add(20 * time.Millisecond)
	session.jitter.drain()

	sendFromPeer(t, peer, testRemoteSSRC, 2, 320)
	require.Eventually(t, func() bool {
		return session.PacketsTooLate() == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint32(1), session.PacketsOutOfOrder())
}

func TestSessionBufferedReadClosed(t *testing.T) {
	session, _, _ := newTestSession(t, nil)
	require.NoError(t, session.SetJitterBufferSize(160, 800))

	require.NoError(t, session.Close(true))
	_, err := session.ReadBufferedData(context.Background(), 0)
	assert.ErrorIs(t, err, ErrReadClosed)
	assert.ErrorIs(t, session.SetJitterBufferSize(160, 800), ErrReadClosed)
}

// === ССЫЛКИ ===

func TestSessionReferences(t *testing.T) {
	session, _, _ := newTestSession(t, nil)

	session.IncrementReference()
	assert.Equal(t, 2, session.References())
	assert.False(t, session.DecrementReference())
	assert.True(t, session.DecrementReference(), "счетчик достиг нуля")
}

func TestSessionUserData(t *testing.T) {
	session, peer, _ := newTestSession(t, nil)
	assert.Nil(t, session.UserData())

	userData := &countingUserData{}
	session.SetUserData(userData)
	assert.Same(t, userData, session.UserData())

	sendFromPeer(t, peer, testRemoteSSRC, 1, 0)
	readData(t, session)
	_, rx := userData.counts()
	assert.Equal(t, 1, rx, "первый принятый кадр публикует статистику")
}

// scriptedChannel отдает заранее заданные результаты чтения и ошибку записи
type scriptedChannel struct {
	mu       sync.Mutex
	reads    []func(buf []byte) (int, error)
	writeErr error
	writes   int
}

func (c *scriptedChannel) ReadDatagram(ctx context.Context, buf []byte) (int, error) {
	c.mu.Lock()
	if len(c.reads) == 0 {
		c.mu.Unlock()
		<-ctx.Done()
		return 0, ctx.Err()
	}
	next := c.reads[0]
	c.reads = c.reads[1:]
	c.mu.Unlock()
	return next(buf)
}

func (c *scriptedChannel) WriteDatagram(context.Context, []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	return c.writeErr
}

type scriptedTransport struct {
	data *scriptedChannel
}

func (t *scriptedTransport) DataChannel() DatagramChannel    { return t.data }
func (t *scriptedTransport) ControlChannel() DatagramChannel { return nil }
func (t *scriptedTransport) LocalHostName() string           { return "localhost" }
func (t *scriptedTransport) Close() error                    { return nil }

func TestSessionTransportErrors(t *testing.T) {
	frame := NewDataFrame(160)
	frame.SetSyncSource(testRemoteSSRC)
	frame.SetSequenceNumber(1)

	data := &scriptedChannel{
		reads: []func([]byte) (int, error){
			func([]byte) (int, error) {
				return 0, classifyNetworkError("read", syscall.ECONNREFUSED)
			},
			func(buf []byte) (int, error) {
				return copy(buf, frame.Bytes()), nil
			},
			func([]byte) (int, error) {
				return 0, classifyNetworkError("read", syscall.EINVAL)
			},
		},
		writeErr: classifyNetworkError("write", syscall.ENOBUFS),
	}

	config := DefaultSessionConfig(3, &scriptedTransport{data: data})
	config.Clock = clock.NewMock()
	session, err := NewSession(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Stop() })

	got := readData(t, session)
	assert.Equal(t, uint16(1), got.SequenceNumber(), "ICMP недоступности пропускается как потерянная датаграмма")

	_, err = session.ReadData(context.Background())
	assert.ErrorIs(t, err, ErrTransportFailure, "постоянная ошибка чтения возвращается")

	err = session.WriteData(context.Background(), NewDataFrame(160))
	assert.ErrorIs(t, err, ErrTransportFailure)
	data.mu.Lock()
	assert.Equal(t, 1, data.writes, "запись не повторяется")
	data.mu.Unlock()
}
