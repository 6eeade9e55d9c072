package rtp

// SendReceiveStatus решение обработчика о судьбе кадра
type SendReceiveStatus int

const (
	// ProcessPacket кадр обрабатывается дальше
	ProcessPacket SendReceiveStatus = iota
	// IgnorePacket кадр поглощается без влияния на статистику
	IgnorePacket
	// AbortTransport операция завершается ошибкой ErrTransportAborted
	AbortTransport
)

func (s SendReceiveStatus) String() string {
	switch s {
	case ProcessPacket:
		return "process"
	case IgnorePacket:
		return "ignore"
	case AbortTransport:
		return "abort"
	default:
		return "unknown"
	}
}

// SessionHandler точки расширения сессии.
// Вызываются без удержания блокировок сессии, поэтому могут вызывать ее методы.
type SessionHandler interface {
	// OnSendData вызывается до присвоения номера последовательности и учета в статистике
	OnSendData(session *Session, frame *DataFrame) SendReceiveStatus
	// OnReceiveData вызывается для корректного кадра до проверки SSRC и учета в статистике
	OnReceiveData(session *Session, frame *DataFrame) SendReceiveStatus
	// OnReceiveControl вызывается для корректного составного RTCP пакета до разбора
	OnReceiveControl(session *Session, frame *ControlFrame) SendReceiveStatus

	OnRxSenderReport(session *Session, sender SenderReport, reports []ReceiverReport)
	OnRxReceiverReport(session *Session, source uint32, reports []ReceiverReport)
	OnRxSourceDescription(session *Session, descriptions []SourceDescription)
	OnRxGoodbye(session *Session, bye Goodbye)
	OnRxApplDefined(session *Session, app AppDefined)
}

// BaseHandler реализация SessionHandler по умолчанию: пропускает все кадры
// и игнорирует отчеты. Встраивается в пользовательские обработчики.
type BaseHandler struct{}

var _ SessionHandler = BaseHandler{}

func (BaseHandler) OnSendData(*Session, *DataFrame) SendReceiveStatus          { return ProcessPacket }
func (BaseHandler) OnReceiveData(*Session, *DataFrame) SendReceiveStatus       { return ProcessPacket }
func (BaseHandler) OnReceiveControl(*Session, *ControlFrame) SendReceiveStatus { return ProcessPacket }
func (BaseHandler) OnRxSenderReport(*Session, SenderReport, []ReceiverReport)  {}
func (BaseHandler) OnRxReceiverReport(*Session, uint32, []ReceiverReport)      {}
func (BaseHandler) OnRxSourceDescription(*Session, []SourceDescription)        {}
func (BaseHandler) OnRxGoodbye(*Session, Goodbye)                              {}
func (BaseHandler) OnRxApplDefined(*Session, AppDefined)                       {}

// UserData непрозрачные данные приложения, привязанные к сессии.
// Получают уведомления о публикации статистики.
type UserData interface {
	// OnTxStatistics вызывается на первом отправленном кадре и после каждого
	// интервала отчета отправителя
	OnTxStatistics(session *Session)
	// OnRxStatistics вызывается на первом принятом кадре и после каждого
	// интервала отчета получателя
	OnRxStatistics(session *Session)
}
