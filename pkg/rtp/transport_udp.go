package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// UDPTransportConfig конфигурация UDP транспорта
type UDPTransportConfig struct {
	// LocalAddress адрес привязки обоих сокетов, пусто для всех интерфейсов
	LocalAddress string
	// PortBase и PortMax диапазон портов. Порт данных четный, управления следующий нечетный.
	// PortBase == 0 означает порты, выбранные системой.
	PortBase uint16
	PortMax  uint16
	// TypeOfService DSCP маркировка 0-63, 0 не меняет настройку системы
	TypeOfService int
	// HostName имя хоста для CNAME, по умолчанию os.Hostname
	HostName string
	// ReadBufferSize ожидаемый размер датаграммы
	ReadBufferSize int
	// ReusePort и BindToDevice дополнительные параметры сокета
	ReusePort    bool
	BindToDevice string

	Logger *slog.Logger
}

// DefaultUDPTransportConfig возвращает конфигурацию по умолчанию
func DefaultUDPTransportConfig() UDPTransportConfig {
	return UDPTransportConfig{
		TypeOfService:  DSCPExpeditedForwarding,
		ReadBufferSize: DefaultFrameSize,
	}
}

func (c *UDPTransportConfig) applyDefaults() {
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultFrameSize
	}
	if c.HostName == "" {
		c.HostName = localHostName()
	}
	if c.PortBase != 0 && c.PortMax == 0 {
		c.PortMax = c.PortBase + 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate проверяет корректность конфигурации
func (c *UDPTransportConfig) Validate() error {
	if c.TypeOfService < 0 || c.TypeOfService > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	if c.PortBase != 0 && c.PortMax <= c.PortBase {
		return fmt.Errorf("диапазон портов %d-%d не вмещает пару портов", c.PortBase, c.PortMax)
	}
	if c.ReadBufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	return nil
}

// UDPTransport пара UDP сокетов для RTP и RTCP.
// Удаленный адрес задается явно или запоминается по первой принятой датаграмме.
type UDPTransport struct {
	config  UDPTransportConfig
	data    *udpChannel
	control *udpChannel
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*UDPTransport)(nil)

// OpenUDPTransport открывает пару сокетов в заданном диапазоне портов
func OpenUDPTransport(config UDPTransportConfig) (*UDPTransport, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, newError(ErrorCodeInvalidConfig, 0, "неверная конфигурация UDP транспорта", err)
	}

	logger := config.Logger.With(slog.String("component", "rtp_udp"))

	dataConn, controlConn, err := openSocketPair(config)
	if err != nil {
		return nil, newError(ErrorCodeTransportFailure, 0, "не удалось открыть UDP сокеты", err)
	}

	options := socketOptions{
		ReadBufferSize: config.ReadBufferSize,
		DSCP:           config.TypeOfService,
		ReusePort:      config.ReusePort,
		BindToDevice:   config.BindToDevice,
	}
	for _, conn := range []*net.UDPConn{dataConn, controlConn} {
		if err := applySocketOptions(conn, options); err != nil {
			// Настройки QoS не обязательны для работы
			logger.Warn("Не удалось применить настройки сокета",
				slog.String("local", conn.LocalAddr().String()),
				slog.String("error", err.Error()))
		}
	}

	t := &UDPTransport{
		config:  config,
		data:    newUDPChannel(dataConn, "data", logger),
		control: newUDPChannel(controlConn, "control", logger),
		logger:  logger,
	}

	logger.Info("UDP транспорт открыт",
		slog.Int("data_port", t.LocalDataPort()),
		slog.Int("control_port", t.LocalControlPort()))

	return t, nil
}

// openSocketPair перебирает четные порты диапазона до первой свободной пары
func openSocketPair(config UDPTransportConfig) (*net.UDPConn, *net.UDPConn, error) {
	ip := net.ParseIP(config.LocalAddress)
	if config.LocalAddress != "" && ip == nil {
		addr, err := net.ResolveIPAddr("ip", config.LocalAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("ошибка разрешения локального адреса '%s': %w", config.LocalAddress, err)
		}
		ip = addr.IP
	}

	if config.PortBase == 0 {
		dataConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
		if err != nil {
			return nil, nil, err
		}
		controlConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
		if err != nil {
			dataConn.Close()
			return nil, nil, err
		}
		return dataConn, controlConn, nil
	}

	var lastErr error
	for port := int(config.PortBase+1) &^ 1; port+1 <= int(config.PortMax); port += 2 {
		dataConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		controlConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port + 1})
		if err != nil {
			dataConn.Close()
			lastErr = err
			continue
		}
		return dataConn, controlConn, nil
	}
	if lastErr == nil {
		lastErr = errors.New("в диапазоне нет четного порта")
	}
	return nil, nil, fmt.Errorf("нет свободной пары портов в диапазоне %d-%d: %w",
		config.PortBase, config.PortMax, lastErr)
}

// DataChannel канал RTP
func (t *UDPTransport) DataChannel() DatagramChannel { return t.data }

// ControlChannel канал RTCP
func (t *UDPTransport) ControlChannel() DatagramChannel { return t.control }

// LocalHostName имя хоста для CNAME
func (t *UDPTransport) LocalHostName() string { return t.config.HostName }

// LocalAddress локальный адрес сокета данных
func (t *UDPTransport) LocalAddress() net.IP {
	return t.data.localAddr().IP
}

func (t *UDPTransport) LocalDataPort() int {
	return t.data.localAddr().Port
}

func (t *UDPTransport) LocalControlPort() int {
	return t.control.localAddr().Port
}

// RemoteAddress удаленный адрес канала данных, nil пока не известен
func (t *UDPTransport) RemoteAddress() *net.UDPAddr {
	return t.data.remoteAddr()
}

// RemoteControlAddress удаленный адрес канала управления
func (t *UDPTransport) RemoteControlAddress() *net.UDPAddr {
	return t.control.remoteAddr()
}

// SetRemoteSocketInfo задает удаленную сторону по одному известному порту.
// Порт второго канала вычисляется по соглашению RTP: управление = данные + 1.
func (t *UDPTransport) SetRemoteSocketInfo(address string, port int, isDataPort bool) error {
	ip := net.ParseIP(address)
	if ip == nil {
		addr, err := net.ResolveIPAddr("ip", address)
		if err != nil {
			return fmt.Errorf("ошибка разрешения удаленного адреса '%s': %w", address, err)
		}
		ip = addr.IP
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("неверный порт %d", port)
	}

	dataPort, controlPort := port, port+1
	if !isDataPort {
		dataPort, controlPort = port-1, port
	}

	t.data.setRemote(&net.UDPAddr{IP: ip, Port: dataPort})
	t.control.setRemote(&net.UDPAddr{IP: ip, Port: controlPort})

	t.logger.Debug("Удаленная сторона задана",
		slog.String("address", net.JoinHostPort(ip.String(), strconv.Itoa(dataPort))),
		slog.Int("control_port", controlPort))
	return nil
}

// Statistics счетчики каналов данных и управления
func (t *UDPTransport) Statistics() (data, control TransportStatistics) {
	return t.data.counters.snapshot(), t.control.counters.snapshot()
}

// Close закрывает оба сокета. Заблокированные операции чтения завершаются.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = errors.Join(t.data.conn.Close(), t.control.conn.Close())
		t.logger.Debug("UDP транспорт закрыт")
	})
	return t.closeErr
}

// udpChannel реализует DatagramChannel поверх одного сокета
type udpChannel struct {
	conn     *net.UDPConn
	name     string
	logger   *slog.Logger
	counters transportCounters

	mutex  sync.RWMutex
	remote *net.UDPAddr
}

func newUDPChannel(conn *net.UDPConn, name string, logger *slog.Logger) *udpChannel {
	return &udpChannel{
		conn:   conn,
		name:   name,
		logger: logger.With(slog.String("channel", name)),
	}
}

func (c *udpChannel) localAddr() *net.UDPAddr {
	addr, _ := c.conn.LocalAddr().(*net.UDPAddr)
	if addr == nil {
		return &net.UDPAddr{}
	}
	return addr
}

func (c *udpChannel) remoteAddr() *net.UDPAddr {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.remote
}

func (c *udpChannel) setRemote(addr *net.UDPAddr) {
	c.mutex.Lock()
	c.remote = addr
	c.mutex.Unlock()
}

// expireDeadline прерывает заблокированную операцию сокета
var expireDeadline = time.Unix(1, 0)

// ReadDatagram читает датаграмму. Отмена контекста переводит срок чтения в прошлое.
func (c *udpChannel) ReadDatagram(ctx context.Context, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, context.Cause(ctx)
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(expireDeadline)
	})
	defer stop()

	n, addr, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return 0, context.Cause(ctx)
		}
		c.counters.errorsReceive.Add(1)
		return 0, classifyNetworkError("UDP чтение "+c.name, err)
	}
	c.counters.received(n, time.Now())

	c.mutex.Lock()
	if c.remote == nil {
		c.remote = addr
		c.mutex.Unlock()
		c.logger.Debug("Удаленный адрес определен по первой датаграмме",
			slog.String("remote", addr.String()))
	} else {
		c.mutex.Unlock()
	}

	return n, nil
}

// WriteDatagram отправляет датаграмму на удаленный адрес канала
func (c *udpChannel) WriteDatagram(ctx context.Context, buf []byte) error {
	remote := c.remoteAddr()
	if remote == nil {
		return ErrNoRemoteAddress
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	_ = c.conn.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(expireDeadline)
	})
	defer stop()

	if _, err := c.conn.WriteToUDP(buf, remote); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		c.counters.errorsSend.Add(1)
		return classifyNetworkError("UDP запись "+c.name, err)
	}
	c.counters.sent(len(buf), time.Now())
	return nil
}
