// Package rtp реализует медиатранспорт RTP/RTCP для телефонии (RFC 3550, RFC 3551).
//
// Пакет предоставляет:
//   - DataFrame и ControlFrame: кадры RTP и составные пакеты RTCP поверх байтовых буферов
//   - Session: учет последовательности, джиттера и потерь, генерация отчетов RTCP
//   - JitterBuffer: адаптивный буфер воспроизведения
//   - SessionManager: реестр сессий с подсчетом ссылок
//   - UDPTransport и PipeTransport: транспорты датаграмм
//
// Сигнализация и кодеки находятся вне пакета: сессия получает транспорт
// и обработчик при создании.
package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	randv2 "math/rand/v2"
	"os/user"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultReportInterval интервал отчетов отправителя и получателя
	DefaultReportInterval = 12 * time.Second
	// DefaultMaxConsecutiveOutOfOrder порог пересинхронизации последовательности
	DefaultMaxConsecutiveOutOfOrder = 10
	// DefaultToolName значение SDES TOOL
	DefaultToolName = "rtpstack"

	goodbyeTimeout = 200 * time.Millisecond
)

// SourceState состояние входящего источника
type SourceState int

const (
	// SourceUninitialized входящий SSRC еще не известен
	SourceUninitialized SourceState = iota
	// SourceLocked первый SSRC зафиксирован
	SourceLocked
	// SourceActive идет учет последовательности
	SourceActive
)

func (s SourceState) String() string {
	switch s {
	case SourceUninitialized:
		return "uninitialized"
	case SourceLocked:
		return "locked"
	case SourceActive:
		return "active"
	default:
		return "unknown"
	}
}

// SessionConfig конфигурация RTP сессии
type SessionConfig struct {
	ID        uint32    // Идентификатор сессии в реестре
	Transport Transport // Транспорт (обязателен)
	Handler   SessionHandler
	UserData  UserData

	SyncSource uint32 // Исходящий SSRC, 0 = случайный

	SenderReportInterval   time.Duration // 0 = DefaultReportInterval, отрицательное отключает
	ReceiverReportInterval time.Duration

	MaxConsecutiveOutOfOrder int
	ForwardSkipTolerance     uint16

	// AcceptOtherSources разрешает смену входящего SSRC
	AcceptOtherSources bool
	// ProcessOutOfOrderPackets передает кадры вне порядка дальше вместо IgnorePacket
	ProcessOutOfOrderPackets bool

	ClockRate uint32 // Частота медиа-часов для jitter buffer
	// JitterBuffer параметры адаптации для SetJitterBufferSize, границы задержки задаются вызовом
	JitterBuffer JitterBufferConfig

	CanonicalName  string // SDES CNAME, по умолчанию user@host
	ToolName       string
	ReadBufferSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultSessionConfig возвращает конфигурацию по умолчанию для заданного транспорта
func DefaultSessionConfig(id uint32, transport Transport) SessionConfig {
	return SessionConfig{
		ID:                       id,
		Transport:                transport,
		SenderReportInterval:     DefaultReportInterval,
		ReceiverReportInterval:   DefaultReportInterval,
		MaxConsecutiveOutOfOrder: DefaultMaxConsecutiveOutOfOrder,
		ClockRate:                8000,
		ToolName:                 DefaultToolName,
		ReadBufferSize:           DefaultFrameSize,
	}
}

func (c *SessionConfig) applyDefaults() {
	if c.Handler == nil {
		c.Handler = BaseHandler{}
	}
	if c.SenderReportInterval == 0 {
		c.SenderReportInterval = DefaultReportInterval
	}
	if c.ReceiverReportInterval == 0 {
		c.ReceiverReportInterval = DefaultReportInterval
	}
	if c.MaxConsecutiveOutOfOrder <= 0 {
		c.MaxConsecutiveOutOfOrder = DefaultMaxConsecutiveOutOfOrder
	}
	if c.ClockRate == 0 {
		c.ClockRate = 8000
	}
	if c.ToolName == "" {
		c.ToolName = DefaultToolName
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultFrameSize
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate проверяет обязательные поля
func (c *SessionConfig) Validate() error {
	if c.Transport == nil {
		return fmt.Errorf("transport обязателен")
	}
	if c.Transport.DataChannel() == nil {
		return fmt.Errorf("transport должен предоставлять канал данных")
	}
	if c.ReadBufferSize < MinHeaderSize {
		return fmt.Errorf("размер буфера чтения %d меньше заголовка RTP", c.ReadBufferSize)
	}
	return nil
}

// Session RTP сессия: один исходящий и один входящий поток.
//
// Все счетчики и состояние последовательности защищены одной блокировкой
// и снимаются вместе при формировании отчетов. Обработчики вызываются вне
// блокировки.
type Session struct {
	id        uint32
	config    SessionConfig
	transport Transport
	handler   SessionHandler
	clock     clock.Clock
	logger    *slog.Logger

	references atomic.Int32

	mutex                  sync.Mutex
	userData               UserData
	syncSourceOut          uint32
	syncSourceIn           uint32
	haveSyncSourceIn       bool
	lastSentSequenceNumber uint16
	stats                  *statistics
	ignoreOtherSources     bool
	ignoreOutOfOrder       bool
	senderReportInterval   time.Duration
	receiverReportInterval time.Duration
	lastSenderReport       uint32
	lastSenderReportTime   time.Time
	jitter                 *JitterBuffer

	lifecycle   *lifecycle
	readCtx     context.Context
	readCancel  context.CancelCauseFunc
	writeCtx    context.Context
	writeCancel context.CancelCauseFunc

	controlTask     taskSlot
	reportTask      taskSlot
	intervalChanged chan struct{}
}

// NewSession создает сессию. Счетчик ссылок равен 1.
// Фоновые задачи RTCP запускаются методом Start.
func NewSession(config SessionConfig) (*Session, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, newError(ErrorCodeInvalidConfig, config.ID, "неверная конфигурация сессии", err)
	}

	logger := config.Logger.With(
		slog.String("component", "rtp_session"),
		slog.Uint64("session_id", uint64(config.ID)))

	ssrc := config.SyncSource
	if ssrc == 0 {
		ssrc = generateSSRC()
	}
	if config.CanonicalName == "" {
		config.CanonicalName = canonicalName(config.Transport.LocalHostName())
	}

	s := &Session{
		id:                     config.ID,
		config:                 config,
		transport:              config.Transport,
		handler:                config.Handler,
		clock:                  config.Clock,
		logger:                 logger,
		userData:               config.UserData,
		syncSourceOut:          ssrc,
		lastSentSequenceNumber: generateSequenceNumber(),
		stats:                  newStatistics(config.MaxConsecutiveOutOfOrder, config.ForwardSkipTolerance, config.Clock.Now()),
		ignoreOtherSources:     !config.AcceptOtherSources,
		ignoreOutOfOrder:       !config.ProcessOutOfOrderPackets,
		senderReportInterval:   config.SenderReportInterval,
		receiverReportInterval: config.ReceiverReportInterval,
		lifecycle:              newLifecycle(logger),
		intervalChanged:        make(chan struct{}, 1),
	}
	s.references.Store(1)
	s.readCtx, s.readCancel = context.WithCancelCause(context.Background())
	s.writeCtx, s.writeCancel = context.WithCancelCause(context.Background())

	logger.Debug("RTP сессия создана", slog.String("ssrc", fmt.Sprintf("0x%08x", ssrc)))
	return s, nil
}

// Start запускает чтение канала управления и генерацию отчетов.
// Повторный вызов перезапускает задачи.
func (s *Session) Start() error {
	if s.lifecycle.closed() {
		return newError(ErrorCodeReadClosed, s.id, "сессия закрыта", nil)
	}

	control := s.transport.ControlChannel()
	if control != nil && !s.lifecycle.readClosed() {
		err := s.controlTask.replace(s.readCtx, "rtcp_reader", s.logger, func(ctx context.Context) error {
			return s.controlLoop(ctx, control)
		})
		if err != nil && !errors.Is(err, errTaskSlotClosed) {
			s.logger.Warn("Предыдущее чтение RTCP завершилось с ошибкой", slog.String("error", err.Error()))
		}
	}

	if control != nil && !s.lifecycle.writeClosed() {
		err := s.reportTask.replace(s.writeCtx, "rtcp_reports", s.logger, s.reportLoop)
		if err != nil && !errors.Is(err, errTaskSlotClosed) {
			s.logger.Warn("Предыдущая генерация отчетов завершилась с ошибкой", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("RTP сессия запущена")
	return nil
}

// ID идентификатор сессии
func (s *Session) ID() uint32 {
	return s.id
}

// State состояние жизненного цикла: open, read_closed, write_closed или closed
func (s *Session) State() string {
	return s.lifecycle.state()
}

// LocalHostName имя хоста транспорта
func (s *Session) LocalHostName() string {
	return s.transport.LocalHostName()
}

// CanonicalName значение SDES CNAME
func (s *Session) CanonicalName() string {
	return s.config.CanonicalName
}

// === ДАННЫЕ ===

// WriteData отправляет кадр. Номер последовательности и SSRC проставляются сессией.
// Решение IgnorePacket обработчика поглощает кадр без ошибки.
func (s *Session) WriteData(ctx context.Context, frame *DataFrame) error {
	if frame == nil {
		return newError(ErrorCodeInvalidFrame, s.id, "пустой кадр", nil)
	}
	if s.lifecycle.writeClosed() {
		return ErrWriteClosed
	}

	switch s.handler.OnSendData(s, frame) {
	case IgnorePacket:
		return nil
	case AbortTransport:
		return ErrTransportAborted
	}

	now := s.clock.Now()
	s.mutex.Lock()
	s.lastSentSequenceNumber++
	frame.SetSequenceNumber(s.lastSentSequenceNumber)
	frame.SetSyncSource(s.syncSourceOut)
	s.stats.onSend(now, frame.Timestamp(), frame.PayloadSize(), frame.Marker())
	first := s.stats.published.PacketsSent == 1
	userData := s.userData
	s.mutex.Unlock()

	if first && userData != nil {
		userData.OnTxStatistics(s)
	}

	writeCtx, cancel := joinContext(ctx, s.writeCtx)
	defer cancel()

	if err := s.transport.DataChannel().WriteDatagram(writeCtx, frame.Bytes()); err != nil {
		if s.lifecycle.writeClosed() {
			return ErrWriteClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newError(ErrorCodeTransportFailure, s.id, "ошибка отправки RTP", err)
	}
	return nil
}

// ReadData блокируется до приема кадра, прошедшего проверки сессии.
// Кадры с решением IgnorePacket пропускаются.
func (s *Session) ReadData(ctx context.Context) (*DataFrame, error) {
	if s.lifecycle.readClosed() {
		return nil, ErrReadClosed
	}

	readCtx, cancel := joinContext(ctx, s.readCtx)
	defer cancel()

	channel := s.transport.DataChannel()
	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, err := channel.ReadDatagram(readCtx, buf)
		if err != nil {
			if s.lifecycle.readClosed() {
				return nil, ErrReadClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// ICMP недоступности и нехватка буферов не ломают сокет: датаграмма
			// пропускается, запись при этом не повторяется
			if isTemporaryError(err) {
				s.logger.Debug("Временная ошибка чтения RTP", slog.String("error", err.Error()))
				continue
			}
			return nil, newError(ErrorCodeTransportFailure, s.id, "ошибка чтения RTP", err)
		}

		frame := ParseDataFrame(buf[:n])
		switch s.onReceiveData(frame) {
		case ProcessPacket:
			return frame, nil
		case AbortTransport:
			return nil, ErrTransportAborted
		}
	}
}

// ReadBufferedData возвращает кадр из jitter buffer с timestamp не новее ts.
// Без jitter buffer эквивалентен ReadData. ErrNothingReady означает паузу
// воспроизведения, вызывающий подставляет тишину.
func (s *Session) ReadBufferedData(ctx context.Context, ts uint32) (*DataFrame, error) {
	s.mutex.Lock()
	jb := s.jitter
	s.mutex.Unlock()

	if jb == nil {
		return s.ReadData(ctx)
	}
	if s.lifecycle.readClosed() {
		return nil, ErrReadClosed
	}

	readCtx, cancel := joinContext(ctx, s.readCtx)
	defer cancel()

	frame, err := jb.Read(readCtx, ts)
	switch {
	case err == nil:
		return frame, nil
	case s.lifecycle.readClosed():
		return nil, ErrReadClosed
	case errors.Is(err, ErrJitterBufferClosed):
		// буфер отключен параллельным SetJitterBufferSize(0, 0)
		return nil, ErrNothingReady
	default:
		return nil, err
	}
}

// onReceiveData проверяет кадр и учитывает его в статистике
func (s *Session) onReceiveData(frame *DataFrame) SendReceiveStatus {
	if err := frame.Validate(); err != nil {
		s.logger.Debug("Отброшен неверный RTP кадр", slog.String("error", err.Error()))
		return IgnorePacket
	}

	if status := s.handler.OnReceiveData(s, frame); status != ProcessPacket {
		return status
	}

	now := s.clock.Now()
	ssrc := frame.SyncSource()

	s.mutex.Lock()
	switch {
	case !s.haveSyncSourceIn:
		s.syncSourceIn = ssrc
		s.haveSyncSourceIn = true
		s.logger.Debug("Зафиксирован входящий источник", slog.String("ssrc", fmt.Sprintf("0x%08x", ssrc)))
	case s.syncSourceIn != ssrc:
		if s.ignoreOtherSources {
			s.mutex.Unlock()
			return IgnorePacket
		}
		s.logger.Info("Смена входящего источника",
			slog.String("old_ssrc", fmt.Sprintf("0x%08x", s.syncSourceIn)),
			slog.String("new_ssrc", fmt.Sprintf("0x%08x", ssrc)))
		s.syncSourceIn = ssrc
		s.stats.resetSource()
	}

	class := s.stats.onReceive(now, frame.SequenceNumber(), frame.PayloadSize(), frame.Marker())
	first := s.stats.published.PacketsReceived == 1
	ignoreOutOfOrder := s.ignoreOutOfOrder
	userData := s.userData
	s.mutex.Unlock()

	if first && userData != nil {
		userData.OnRxStatistics(s)
	}

	if class == receiveOutOfOrder && ignoreOutOfOrder {
		return IgnorePacket
	}
	return ProcessPacket
}

// === УПРАВЛЕНИЕ ===

// WriteControl отправляет составной пакет RTCP
func (s *Session) WriteControl(ctx context.Context, frame *ControlFrame) error {
	control := s.transport.ControlChannel()
	if control == nil {
		return ErrNoControlChannel
	}
	if s.lifecycle.writeClosed() {
		return ErrWriteClosed
	}
	return s.writeControl(ctx, control, frame)
}

// writeControl отправляет пакет без проверки состояния записи
func (s *Session) writeControl(ctx context.Context, control DatagramChannel, frame *ControlFrame) error {
	writeCtx, cancel := joinContext(ctx, s.writeCtx)
	defer cancel()

	if err := control.WriteDatagram(writeCtx, frame.Bytes()); err != nil {
		if s.lifecycle.writeClosed() {
			return ErrWriteClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newError(ErrorCodeTransportFailure, s.id, "ошибка отправки RTCP", err)
	}
	return nil
}

func (s *Session) controlLoop(ctx context.Context, control DatagramChannel) error {
	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, err := control.ReadDatagram(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTemporaryError(err) {
				continue
			}
			s.logger.Error("Чтение RTCP прекращено", slog.String("error", err.Error()))
			return newError(ErrorCodeTransportFailure, s.id, "ошибка чтения RTCP", err)
		}

		frame := ParseControlFrame(buf[:n])
		if err := s.onReceiveControl(frame); err != nil {
			s.logger.Warn("Обработчик прервал транспорт на RTCP пакете")
			return err
		}
	}
}

// onReceiveControl разбирает составной пакет и вызывает обработчики отчетов
func (s *Session) onReceiveControl(frame *ControlFrame) error {
	if err := frame.Validate(); err != nil {
		s.logger.Debug("Отброшен неверный RTCP пакет", slog.String("error", err.Error()))
		return nil
	}

	switch s.handler.OnReceiveControl(s, frame) {
	case IgnorePacket:
		return nil
	case AbortTransport:
		return ErrTransportAborted
	}

	frame.Rewind()
	for {
		switch frame.PacketType() {
		case ControlTypeSenderReport:
			sender, reports, err := frame.SenderReport()
			if err != nil {
				s.logger.Debug("Неверный SR", slog.String("error", err.Error()))
				break
			}
			s.mutex.Lock()
			s.lastSenderReport = MiddleNTP(sender.NTPTimestamp)
			s.lastSenderReportTime = s.clock.Now()
			s.mutex.Unlock()
			s.handler.OnRxSenderReport(s, sender, reports)

		case ControlTypeReceiverReport:
			source, reports, err := frame.ReceiverReport()
			if err != nil {
				s.logger.Debug("Неверный RR", slog.String("error", err.Error()))
				break
			}
			s.handler.OnRxReceiverReport(s, source, reports)

		case ControlTypeSourceDescription:
			descriptions, err := frame.SourceDescriptions()
			if err != nil {
				s.logger.Debug("Неверный SDES", slog.String("error", err.Error()))
				break
			}
			s.handler.OnRxSourceDescription(s, descriptions)

		case ControlTypeGoodbye:
			bye, err := frame.Goodbye()
			if err != nil {
				s.logger.Debug("Неверный BYE", slog.String("error", err.Error()))
				break
			}
			s.handler.OnRxGoodbye(s, bye)

		case ControlTypeApplDefined:
			app, err := frame.AppDefined()
			if err != nil {
				s.logger.Debug("Неверный APP", slog.String("error", err.Error()))
				break
			}
			s.handler.OnRxApplDefined(s, app)

		default:
			s.logger.Debug("Неизвестный тип RTCP пакета", slog.Int("type", int(frame.PacketType())))
		}

		if !frame.ReadNextCompound() {
			return nil
		}
	}
}

// === ОТЧЕТЫ ===

func (s *Session) reportLoop(ctx context.Context) error {
	senderTimer := s.armTimer(s.SenderReportInterval())
	receiverTimer := s.armTimer(s.ReceiverReportInterval())
	defer func() {
		stopTimer(senderTimer)
		stopTimer(receiverTimer)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.intervalChanged:
			stopTimer(senderTimer)
			stopTimer(receiverTimer)
			senderTimer = s.armTimer(s.SenderReportInterval())
			receiverTimer = s.armTimer(s.ReceiverReportInterval())

		case <-timerC(senderTimer):
			s.onSenderReportTimer(ctx)
			senderTimer = s.armTimer(s.SenderReportInterval())

		case <-timerC(receiverTimer):
			s.onReceiverReportTimer(ctx)
			receiverTimer = s.armTimer(s.ReceiverReportInterval())
		}
	}
}

// onSenderReportTimer публикует статистику отправки и отправляет SR.
// Без отправленных кадров за интервал ничего не происходит.
func (s *Session) onSenderReportTimer(ctx context.Context) {
	s.mutex.Lock()
	reported := s.stats.snapshotSend()
	userData := s.userData
	s.mutex.Unlock()

	if !reported {
		return
	}
	if userData != nil {
		userData.OnTxStatistics(s)
	}
	s.sendReport(ctx)
}

// onReceiverReportTimer публикует статистику приема. Отдельный RR отправляется
// только когда сессия ничего не передает, иначе блок приема входит в SR.
func (s *Session) onReceiverReportTimer(ctx context.Context) {
	s.mutex.Lock()
	reported := s.stats.snapshotReceive()
	sending := s.stats.sending()
	userData := s.userData
	s.mutex.Unlock()

	if !reported {
		return
	}
	if userData != nil {
		userData.OnRxStatistics(s)
	}
	if !sending {
		s.sendReport(ctx)
	}
}

func (s *Session) sendReport(ctx context.Context) {
	frame, err := s.buildReport()
	if err != nil {
		s.logger.Error("Не удалось сформировать отчет RTCP", slog.String("error", err.Error()))
		return
	}
	if err := s.WriteControl(ctx, frame); err != nil && ctx.Err() == nil {
		s.logger.Warn("Не удалось отправить отчет RTCP", slog.String("error", err.Error()))
	}
}

// buildReport формирует SR или RR с блоком приема и SDES
func (s *Session) buildReport() (*ControlFrame, error) {
	now := s.clock.Now()
	frame := NewControlFrame()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var blocks []ReceiverReport
	if s.haveSyncSourceIn && s.stats.started {
		var delay uint32
		if s.lastSenderReport != 0 {
			delay = DelaySinceLastSR(now.Sub(s.lastSenderReportTime))
		}
		blocks = append(blocks, s.stats.receiverReport(s.syncSourceIn, s.lastSenderReport, delay))
	}

	var err error
	if !s.stats.sending() {
		err = frame.AddReceiverReport(s.syncSourceOut, blocks)
	} else {
		err = frame.AddSenderReport(SenderReport{
			SourceIdentifier: s.syncSourceOut,
			NTPTimestamp:     NTPTimestamp(now),
			RealTimestamp:    now,
			RTPTimestamp:     s.stats.lastSentTimestamp,
			PacketsSent:      s.stats.published.PacketsSent,
			OctetsSent:       s.stats.published.OctetsSent,
		}, blocks)
	}
	if err != nil {
		return nil, err
	}

	if err := frame.AddSourceDescription(s.syncSourceOut); err != nil {
		return nil, err
	}
	if err := frame.AddSourceDescriptionItem(SDESCName, s.config.CanonicalName); err != nil {
		return nil, err
	}
	if err := frame.AddSourceDescriptionItem(SDESTool, s.config.ToolName); err != nil {
		return nil, err
	}
	return frame, nil
}

// sendGoodbye отправляет отчет с BYE, если сессия что-то передавала
func (s *Session) sendGoodbye() {
	control := s.transport.ControlChannel()
	if control == nil {
		return
	}
	s.mutex.Lock()
	sent := s.stats.published.PacketsSent > 0
	ssrc := s.syncSourceOut
	s.mutex.Unlock()
	if !sent {
		return
	}

	frame, err := s.buildReport()
	if err == nil {
		err = frame.AddGoodbye(Goodbye{Sources: []uint32{ssrc}, Reason: "session closed"})
	}
	if err != nil {
		s.logger.Error("Не удалось сформировать BYE", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), goodbyeTimeout)
	defer cancel()
	if err := s.writeControl(ctx, control, frame); err != nil {
		s.logger.Debug("BYE не отправлен", slog.String("error", err.Error()))
	}
}

// armTimer возвращает таймер с интервалом, смещенным случайно в пределах ±1/3.
// Неположительный интервал отключает таймер.
func (s *Session) armTimer(interval time.Duration) *clock.Timer {
	if interval <= 0 {
		return nil
	}
	third := int64(interval / 3)
	if third > 0 {
		interval += time.Duration(randv2.Int64N(2*third+1) - third)
	}
	return s.clock.Timer(interval)
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

func timerC(t *clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// === ЗАКРЫТИЕ ===

// Close закрывает сторону чтения (reading = true) или записи.
// Заблокированные операции этой стороны завершаются с ErrReadClosed
// или ErrWriteClosed. Повторный вызов безопасен. Когда закрыты обе
// стороны, закрывается транспорт.
func (s *Session) Close(reading bool) error {
	var err error
	if reading {
		if !s.lifecycle.closeRead() {
			return nil
		}
		s.readCancel(ErrReadClosed)
		err = s.controlTask.close()

		s.mutex.Lock()
		jb := s.jitter
		s.mutex.Unlock()
		if jb != nil {
			err = errors.Join(err, jb.Close())
		}
		s.logger.Debug("Чтение сессии закрыто")
	} else {
		if !s.lifecycle.closeWrite() {
			return nil
		}
		err = s.reportTask.close()
		s.sendGoodbye()
		s.writeCancel(ErrWriteClosed)
		s.logger.Debug("Запись сессии закрыта")
	}

	if s.lifecycle.closed() {
		if closeErr := s.transport.Close(); closeErr != nil {
			err = errors.Join(err, newError(ErrorCodeTransportFailure, s.id, "ошибка закрытия транспорта", closeErr))
		}
		s.logger.Info("RTP сессия закрыта")
	}
	return err
}

// Stop закрывает обе стороны сессии
func (s *Session) Stop() error {
	return errors.Join(s.Close(false), s.Close(true))
}

// === ССЫЛКИ ===

// IncrementReference увеличивает счетчик ссылок
func (s *Session) IncrementReference() {
	s.references.Add(1)
}

// DecrementReference уменьшает счетчик ссылок и сообщает, достиг ли он нуля
func (s *Session) DecrementReference() bool {
	return s.references.Add(-1) == 0
}

// References текущее значение счетчика ссылок
func (s *Session) References() int {
	return int(s.references.Load())
}

// === JITTER BUFFER ===

// SetJitterBufferSize задает границы задержки jitter buffer в тактах медиа-часов.
// maxDelay == 0 отключает буфер. Существующий буфер можно только расширить,
// уменьшение возвращает ErrJitterBufferShrink.
func (s *Session) SetJitterBufferSize(minDelay, maxDelay uint32) error {
	s.mutex.Lock()
	if maxDelay == 0 {
		jb := s.jitter
		s.jitter = nil
		s.mutex.Unlock()
		if jb != nil {
			s.logger.Debug("Jitter buffer отключен")
			return jb.Close()
		}
		return nil
	}

	if s.lifecycle.readClosed() {
		s.mutex.Unlock()
		return ErrReadClosed
	}

	if s.jitter != nil {
		jb := s.jitter
		s.mutex.Unlock()
		return jb.SetDelayBounds(minDelay, maxDelay)
	}

	config := s.config.JitterBuffer
	config.MinDelay = minDelay
	config.MaxDelay = maxDelay
	config.ClockRate = s.config.ClockRate
	config.Clock = s.clock
	config.Logger = s.logger.With(slog.String("component", "jitter_buffer"))
	config.OnTooLate = s.onTooLate

	jb, err := NewJitterBuffer(config)
	if err != nil {
		s.mutex.Unlock()
		return newError(ErrorCodeInvalidConfig, s.id, "неверные границы jitter buffer", err)
	}
	s.jitter = jb
	s.mutex.Unlock()

	s.logger.Debug("Jitter buffer включен",
		slog.Uint64("min_delay", uint64(minDelay)),
		slog.Uint64("max_delay", uint64(maxDelay)))
	return jb.Start(s.ReadData)
}

// JitterBufferSize текущие границы задержки, нули если буфер отключен
func (s *Session) JitterBufferSize() (minDelay, maxDelay uint32) {
	s.mutex.Lock()
	jb := s.jitter
	s.mutex.Unlock()
	if jb == nil {
		return 0, 0
	}
	return jb.DelayBounds()
}

// JitterBufferStatistics статистика буфера, false если буфер отключен
func (s *Session) JitterBufferStatistics() (JitterBufferStatistics, bool) {
	s.mutex.Lock()
	jb := s.jitter
	s.mutex.Unlock()
	if jb == nil {
		return JitterBufferStatistics{}, false
	}
	return jb.Statistics(), true
}

func (s *Session) onTooLate(*DataFrame) {
	s.mutex.Lock()
	s.stats.published.PacketsTooLate++
	s.mutex.Unlock()
}

// === НАСТРОЙКИ ===

func (s *Session) SenderReportInterval() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.senderReportInterval
}

// SetSenderReportInterval задает интервал SR, неположительное значение отключает отчеты
func (s *Session) SetSenderReportInterval(interval time.Duration) {
	s.mutex.Lock()
	s.senderReportInterval = interval
	s.mutex.Unlock()
	s.notifyIntervalChanged()
}

func (s *Session) ReceiverReportInterval() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.receiverReportInterval
}

// SetReceiverReportInterval задает интервал RR, неположительное значение отключает отчеты
func (s *Session) SetReceiverReportInterval(interval time.Duration) {
	s.mutex.Lock()
	s.receiverReportInterval = interval
	s.mutex.Unlock()
	s.notifyIntervalChanged()
}

func (s *Session) notifyIntervalChanged() {
	select {
	case s.intervalChanged <- struct{}{}:
	default:
	}
}

func (s *Session) SetIgnoreOtherSources(ignore bool) {
	s.mutex.Lock()
	s.ignoreOtherSources = ignore
	s.mutex.Unlock()
}

func (s *Session) WillIgnoreOtherSources() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.ignoreOtherSources
}

func (s *Session) SetIgnoreOutOfOrderPackets(ignore bool) {
	s.mutex.Lock()
	s.ignoreOutOfOrder = ignore
	s.mutex.Unlock()
}

func (s *Session) WillIgnoreOutOfOrderPackets() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.ignoreOutOfOrder
}

func (s *Session) UserData() UserData {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.userData
}

func (s *Session) SetUserData(userData UserData) {
	s.mutex.Lock()
	s.userData = userData
	s.mutex.Unlock()
}

// === СТАТИСТИКА ===

// SyncSourceOut исходящий SSRC
func (s *Session) SyncSourceOut() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.syncSourceOut
}

// SyncSourceIn входящий SSRC. Ноль допустим как SSRC, поэтому отсутствие
// источника определяется по SourceState.
func (s *Session) SyncSourceIn() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.syncSourceIn
}

func (s *Session) SourceState() SourceState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	switch {
	case !s.haveSyncSourceIn:
		return SourceUninitialized
	case s.stats.published.PacketsReceived < 2:
		return SourceLocked
	default:
		return SourceActive
	}
}

// Statistics согласованный снимок всех счетчиков
func (s *Session) Statistics() Statistics {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats.snapshot()
}

func (s *Session) PacketsSent() uint32       { return s.Statistics().PacketsSent }
func (s *Session) OctetsSent() uint32        { return s.Statistics().OctetsSent }
func (s *Session) PacketsReceived() uint32   { return s.Statistics().PacketsReceived }
func (s *Session) OctetsReceived() uint32    { return s.Statistics().OctetsReceived }
func (s *Session) PacketsLost() uint32       { return s.Statistics().PacketsLost }
func (s *Session) PacketsOutOfOrder() uint32 { return s.Statistics().PacketsOutOfOrder }
func (s *Session) PacketsTooLate() uint32    { return s.Statistics().PacketsTooLate }

func (s *Session) AverageSendTime() time.Duration    { return s.Statistics().AverageSendTime }
func (s *Session) MaximumSendTime() time.Duration    { return s.Statistics().MaximumSendTime }
func (s *Session) MinimumSendTime() time.Duration    { return s.Statistics().MinimumSendTime }
func (s *Session) AverageReceiveTime() time.Duration { return s.Statistics().AverageReceiveTime }
func (s *Session) MaximumReceiveTime() time.Duration { return s.Statistics().MaximumReceiveTime }
func (s *Session) MinimumReceiveTime() time.Duration { return s.Statistics().MinimumReceiveTime }

// JitterTime оценка джиттера в миллисекундах
func (s *Session) JitterTime() time.Duration { return s.Statistics().JitterTime }

// === ВСПОМОГАТЕЛЬНЫЕ ===

// joinContext возвращает контекст, отменяемый вместе с ctx или closing.
// Причина отмены closing сохраняется в context.Cause.
func joinContext(ctx, closing context.Context) (context.Context, context.CancelFunc) {
	joined, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(closing, func() {
		cancel(context.Cause(closing))
	})
	return joined, func() {
		stop()
		cancel(context.Canceled)
	}
}

// generateSSRC генерирует случайный SSRC согласно RFC 3550
func generateSSRC() uint32 {
	var ssrc uint32
	for ssrc == 0 {
		if err := binary.Read(rand.Reader, binary.BigEndian, &ssrc); err != nil {
			ssrc = randv2.Uint32()
		}
	}
	return ssrc
}

// generateSequenceNumber случайный начальный номер последовательности
func generateSequenceNumber() uint16 {
	var seq uint16
	if err := binary.Read(rand.Reader, binary.BigEndian, &seq); err != nil {
		return uint16(randv2.Uint32())
	}
	return seq
}

func canonicalName(host string) string {
	name := "rtp"
	if current, err := user.Current(); err == nil && current.Username != "" {
		name = current.Username
	}
	return name + "@" + host
}
