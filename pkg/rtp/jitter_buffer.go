package rtp

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
)

// JitterBufferConfig содержит параметры адаптивного jitter buffer.
// Задержки задаются в единицах медиа-часов (тактах RTP timestamp).
type JitterBufferConfig struct {
	MinDelay  uint32 // нижняя граница целевой задержки
	MaxDelay  uint32 // верхняя граница целевой задержки
	ClockRate uint32 // частота медиа-часов, Гц
	MaxFrames int    // максимум кадров в буфере, при переполнении отбрасывается самый старый

	AdaptStep       uint32 // шаг изменения задержки (0 = 10 мс)
	LateThreshold   int    // число опоздавших кадров до увеличения задержки
	ShrinkThreshold int    // число спокойных вставок до уменьшения задержки

	PollInterval time.Duration // период проверки созревших кадров
	ReadTimeout  time.Duration // максимальное ожидание в Read

	Clock  clock.Clock
	Logger *slog.Logger

	// OnTooLate вызывается вне блокировок для каждого опоздавшего кадра
	OnTooLate func(frame *DataFrame)
}

// DefaultJitterBufferConfig возвращает конфигурацию для телефонии 8 кГц:
// задержка от 40 до 200 мс.
func DefaultJitterBufferConfig() JitterBufferConfig {
	return JitterBufferConfig{
		MinDelay:        320,
		MaxDelay:        1600,
		ClockRate:       8000,
		MaxFrames:       250,
		LateThreshold:   3,
		ShrinkThreshold: 250,
		PollInterval:    5 * time.Millisecond,
		ReadTimeout:     20 * time.Millisecond,
	}
}

func (c *JitterBufferConfig) applyDefaults() {
	defaults := DefaultJitterBufferConfig()
	if c.ClockRate == 0 {
		c.ClockRate = defaults.ClockRate
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = defaults.MaxFrames
	}
	if c.AdaptStep == 0 {
		c.AdaptStep = max(c.ClockRate/100, 1)
	}
	if c.LateThreshold <= 0 {
		c.LateThreshold = defaults.LateThreshold
	}
	if c.ShrinkThreshold <= 0 {
		c.ShrinkThreshold = defaults.ShrinkThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(slog.String("component", "jitter_buffer"))
	}
}

// Validate проверяет границы задержки
func (c JitterBufferConfig) Validate() error {
	if c.MaxDelay == 0 {
		return fmt.Errorf("максимальная задержка должна быть больше 0")
	}
	if c.MinDelay > c.MaxDelay {
		return fmt.Errorf("минимальная задержка %d больше максимальной %d", c.MinDelay, c.MaxDelay)
	}
	return nil
}

// JitterBufferStatistics статистика jitter buffer
type JitterBufferStatistics struct {
	PendingFrames   int    // кадры, ожидающие созревания
	ReadyFrames     int    // кадры, готовые к чтению
	MinDelay        uint32 // текущие границы задержки
	MaxDelay        uint32
	TargetDelay     uint32
	FramesInserted  uint64
	FramesDelivered uint64
	FramesTooLate   uint64
	Overruns        uint64 // кадры, вытесненные при переполнении
	Underruns       uint64 // чтения, завершившиеся по таймауту
}

// FrameReader источник кадров для фонового наполнения буфера
type FrameReader func(ctx context.Context) (*DataFrame, error)

// jitterEntry кадр в буфере с временем поступления
type jitterEntry struct {
	frame   *DataFrame
	arrival time.Time
	index   int
}

// frameHeap реализует heap.Interface, упорядочивая кадры по timestamp
// (и по номеру последовательности при равных timestamp) с учетом переполнения.
type frameHeap []*jitterEntry

func (h frameHeap) Len() int { return len(h) }
func (h frameHeap) Less(i, j int) bool {
	a, b := h[i].frame, h[j].frame
	if a.Timestamp() != b.Timestamp() {
		return timestampNewer(b.Timestamp(), a.Timestamp())
	}
	return sequenceNewer(b.SequenceNumber(), a.SequenceNumber())
}
func (h frameHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *frameHeap) Push(x any) {
	item := x.(*jitterEntry)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// JitterBuffer адаптивный буфер компенсации джиттера.
//
// Кадры со стороны сети складываются в кучу по timestamp. Фоновая задача
// каждые PollInterval переносит в очередь готовых кадры, пробывшие в буфере
// не меньше целевой задержки. Потребитель читает из очереди готовых.
// Кадр, чей timestamp не новее последнего выданного, считается опоздавшим
// и отбрасывается, поэтому выдача всегда упорядочена.
type JitterBuffer struct {
	config JitterBufferConfig
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	pending frameHeap
	ready   deque.Deque[*DataFrame]

	minDelay    uint32
	maxDelay    uint32
	targetDelay uint32

	drained              bool
	lastDrainedTimestamp uint32
	lastDrainedSequence  uint16

	// адаптация
	lateSinceAdapt int
	calmInserts    int
	havePrevious   bool
	prevArrival    time.Time
	prevTimestamp  uint32
	observedJitter time.Duration

	framesInserted  uint64
	framesDelivered uint64
	framesTooLate   uint64
	overruns        uint64
	underruns       uint64

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	pump   taskSlot
	source taskSlot
}

// NewJitterBuffer создает буфер и запускает фоновую задачу созревания кадров.
// Начальная целевая задержка равна MinDelay.
func NewJitterBuffer(config JitterBufferConfig) (*JitterBuffer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация jitter buffer: %w", err)
	}
	config.applyDefaults()

	jb := &JitterBuffer{
		config:      config,
		clock:       config.Clock,
		logger:      config.Logger,
		minDelay:    config.MinDelay,
		maxDelay:    config.MaxDelay,
		targetDelay: config.MinDelay,
		notify:      make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	jb.ready.SetMinCapacity(4)
	heap.Init(&jb.pending)

	_ = jb.pump.replace(context.Background(), "jitter_pump", jb.logger, jb.pumpLoop)
	return jb, nil
}

// Start подключает источник кадров. Предыдущий источник останавливается
// и дожидается завершения до запуска нового.
func (jb *JitterBuffer) Start(source FrameReader) error {
	err := jb.source.replace(context.Background(), "jitter_source", jb.logger, func(ctx context.Context) error {
		return jb.sourceLoop(ctx, source)
	})
	if errors.Is(err, errTaskSlotClosed) {
		return ErrJitterBufferClosed
	}
	return err
}

func (jb *JitterBuffer) sourceLoop(ctx context.Context, source FrameReader) error {
	for {
		frame, err := source(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrReadClosed) {
				return nil
			}
			jb.logger.Warn("Источник кадров завершился с ошибкой", slog.String("error", err.Error()))
			return err
		}
		if frame == nil {
			continue
		}
		if err := jb.Insert(frame); err != nil {
			return nil
		}
	}
}

func (jb *JitterBuffer) pumpLoop(ctx context.Context) error {
	ticker := jb.clock.Ticker(jb.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			jb.drain()
		}
	}
}

// Insert помещает кадр в буфер. Никогда не блокируется на потребителе:
// при переполнении вытесняется самый старый кадр.
func (jb *JitterBuffer) Insert(frame *DataFrame) error {
	now := jb.clock.Now()

	jb.mu.Lock()
	if jb.isClosed() {
		jb.mu.Unlock()
		return ErrJitterBufferClosed
	}

	jb.framesInserted++
	jb.observe(now, frame.Timestamp())

	if jb.drained && !jb.afterDrained(frame) {
		jb.framesTooLate++
		jb.lateSinceAdapt++
		if jb.lateSinceAdapt >= jb.config.LateThreshold {
			jb.grow()
		}
		target, lastDrained := jb.targetDelay, jb.lastDrainedTimestamp
		jb.mu.Unlock()

		jb.logger.Debug("Кадр опоздал",
			slog.Uint64("timestamp", uint64(frame.Timestamp())),
			slog.Uint64("last_drained", uint64(lastDrained)),
			slog.Uint64("target_delay", uint64(target)))
		if jb.config.OnTooLate != nil {
			jb.config.OnTooLate(frame)
		}
		return nil
	}

	if jb.pending.Len()+jb.ready.Len() >= jb.config.MaxFrames {
		jb.dropOldest()
	}
	heap.Push(&jb.pending, &jitterEntry{frame: frame, arrival: now})
	jb.mu.Unlock()
	return nil
}

// ReadData возвращает самый старый готовый кадр с timestamp не новее ts.
// Второе значение false означает, что готовых кадров нет.
func (jb *JitterBuffer) ReadData(ts uint32) (*DataFrame, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if jb.ready.Len() == 0 {
		return nil, false
	}
	if timestampNewer(jb.ready.Front().Timestamp(), ts) {
		return nil, false
	}
	jb.framesDelivered++
	return jb.ready.PopFront(), true
}

// Read ждет готовый кадр не дольше ReadTimeout.
// Возвращает ErrNothingReady по таймауту и ErrJitterBufferClosed сразу после Close.
func (jb *JitterBuffer) Read(ctx context.Context, ts uint32) (*DataFrame, error) {
	if jb.isClosed() {
		return nil, ErrJitterBufferClosed
	}

	timer := jb.clock.Timer(jb.config.ReadTimeout)
	defer timer.Stop()

	for {
		if frame, ok := jb.ReadData(ts); ok {
			return frame, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-jb.closed:
			return nil, ErrJitterBufferClosed
		case <-jb.notify:
		case <-timer.C:
			jb.mu.Lock()
			jb.underruns++
			jb.mu.Unlock()
			return nil, ErrNothingReady
		}
	}
}

// SetDelayBounds расширяет границы задержки. Уменьшать границы нельзя.
func (jb *JitterBuffer) SetDelayBounds(minDelay, maxDelay uint32) error {
	if minDelay > maxDelay {
		return fmt.Errorf("минимальная задержка %d больше максимальной %d", minDelay, maxDelay)
	}

	jb.mu.Lock()
	defer jb.mu.Unlock()

	if minDelay < jb.minDelay || maxDelay < jb.maxDelay {
		return ErrJitterBufferShrink
	}
	jb.minDelay = minDelay
	jb.maxDelay = maxDelay
	jb.targetDelay = min(max(jb.targetDelay, minDelay), maxDelay)
	return nil
}

// DelayBounds возвращает текущие границы задержки
func (jb *JitterBuffer) DelayBounds() (minDelay, maxDelay uint32) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.minDelay, jb.maxDelay
}

// TargetDelay возвращает текущую целевую задержку
func (jb *JitterBuffer) TargetDelay() uint32 {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.targetDelay
}

// Statistics возвращает статистику буфера
func (jb *JitterBuffer) Statistics() JitterBufferStatistics {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	return JitterBufferStatistics{
		PendingFrames:   jb.pending.Len(),
		ReadyFrames:     jb.ready.Len(),
		MinDelay:        jb.minDelay,
		MaxDelay:        jb.maxDelay,
		TargetDelay:     jb.targetDelay,
		FramesInserted:  jb.framesInserted,
		FramesDelivered: jb.framesDelivered,
		FramesTooLate:   jb.framesTooLate,
		Overruns:        jb.overruns,
		Underruns:       jb.underruns,
	}
}

// Close останавливает фоновые задачи и будит ожидающих читателей.
// Повторный вызов безопасен.
func (jb *JitterBuffer) Close() error {
	var err error
	jb.closeOnce.Do(func() {
		jb.mu.Lock()
		close(jb.closed)
		jb.mu.Unlock()

		if sourceErr := jb.source.close(); sourceErr != nil {
			err = sourceErr
		}
		if pumpErr := jb.pump.close(); pumpErr != nil && err == nil {
			err = pumpErr
		}
	})
	return err
}

func (jb *JitterBuffer) isClosed() bool {
	select {
	case <-jb.closed:
		return true
	default:
		return false
	}
}

// drain переносит созревшие кадры в очередь готовых
func (jb *JitterBuffer) drain() int {
	now := jb.clock.Now()

	jb.mu.Lock()
	target := jb.delayDuration(jb.targetDelay)
	promoted := 0
	for jb.pending.Len() > 0 {
		oldest := jb.pending[0]
		if now.Sub(oldest.arrival) < target {
			break
		}
		heap.Pop(&jb.pending)

		jb.ready.PushBack(oldest.frame)
		jb.drained = true
		jb.lastDrainedTimestamp = oldest.frame.Timestamp()
		jb.lastDrainedSequence = oldest.frame.SequenceNumber()
		promoted++
	}
	jb.mu.Unlock()

	if promoted > 0 {
		select {
		case jb.notify <- struct{}{}:
		default:
		}
	}
	return promoted
}

// afterDrained проверяет, что кадр новее последнего выданного
func (jb *JitterBuffer) afterDrained(frame *DataFrame) bool {
	ts := frame.Timestamp()
	if ts != jb.lastDrainedTimestamp {
		return timestampNewer(ts, jb.lastDrainedTimestamp)
	}
	return sequenceNewer(frame.SequenceNumber(), jb.lastDrainedSequence)
}

// dropOldest вытесняет самый старый кадр: сначала из готовых, затем из ожидающих
func (jb *JitterBuffer) dropOldest() {
	jb.overruns++
	if jb.ready.Len() > 0 {
		jb.ready.PopFront()
		return
	}
	if jb.pending.Len() > 0 {
		heap.Pop(&jb.pending)
	}
}

// observe оценивает джиттер поступления: разницу между интервалом прихода
// и интервалом timestamp соседних кадров. Если за ShrinkThreshold вставок
// джиттер не превысил половины целевой задержки, задержка уменьшается.
func (jb *JitterBuffer) observe(now time.Time, ts uint32) {
	if jb.havePrevious && timestampNewer(ts, jb.prevTimestamp) {
		deviation := now.Sub(jb.prevArrival) - jb.delayDuration(ts-jb.prevTimestamp)
		if deviation < 0 {
			deviation = -deviation
		}
		jb.observedJitter = max(jb.observedJitter, deviation)
	}
	if !jb.havePrevious || timestampNewer(ts, jb.prevTimestamp) {
		jb.havePrevious = true
		jb.prevArrival = now
		jb.prevTimestamp = ts
	}

	jb.calmInserts++
	if jb.calmInserts < jb.config.ShrinkThreshold {
		return
	}
	if jb.observedJitter*2 < jb.delayDuration(jb.targetDelay) {
		jb.shrink()
	}
	jb.calmInserts = 0
	jb.observedJitter = 0
}

func (jb *JitterBuffer) grow() {
	if jb.targetDelay < jb.maxDelay {
		jb.targetDelay = min(jb.targetDelay+jb.config.AdaptStep, jb.maxDelay)
		jb.logger.Debug("Задержка увеличена", slog.Uint64("target_delay", uint64(jb.targetDelay)))
	}
	jb.lateSinceAdapt = 0
	jb.calmInserts = 0
	jb.observedJitter = 0
}

func (jb *JitterBuffer) shrink() {
	if jb.targetDelay > jb.minDelay {
		jb.targetDelay = max(jb.targetDelay-min(jb.config.AdaptStep, jb.targetDelay), jb.minDelay)
		jb.logger.Debug("Задержка уменьшена", slog.Uint64("target_delay", uint64(jb.targetDelay)))
	}
	jb.lateSinceAdapt = 0
}

// delayDuration переводит такты медиа-часов во время
func (jb *JitterBuffer) delayDuration(units uint32) time.Duration {
	return time.Duration(units) * time.Second / time.Duration(jb.config.ClockRate)
}

// timestampNewer сравнивает 32-битные timestamp с учетом переполнения
func timestampNewer(a, b uint32) bool {
	return int32(a-b) > 0
}

// sequenceNewer сравнивает 16-битные номера последовательности с учетом переполнения
func sequenceNewer(a, b uint16) bool {
	return int16(a-b) > 0
}
