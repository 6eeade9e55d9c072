package rtp

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
)

// SessionManager реестр RTP сессий по идентификатору.
//
// Сессия покидает реестр только когда ее счетчик ссылок достигает нуля
// в ReleaseSession. Фоновой очистки нет. Остановка сессий выполняется
// вне блокировки реестра.
type SessionManager struct {
	sessions map[uint32]*Session
	mutex    sync.Mutex

	maxSessions   int
	totalSessions uint64
	logger        *slog.Logger
}

// SessionManagerConfig конфигурация менеджера сессий
type SessionManagerConfig struct {
	MaxSessions int // Максимум одновременных сессий, 0 без ограничения
	Logger      *slog.Logger
}

// DefaultSessionManagerConfig возвращает конфигурацию по умолчанию
func DefaultSessionManagerConfig() SessionManagerConfig {
	return SessionManagerConfig{
		MaxSessions: 100,
	}
}

// ManagerStatistics статистика менеджера сессий
type ManagerStatistics struct {
	TotalSessions  uint64 // Сессий добавлено за все время
	ActiveSessions int
	MaxSessions    int
}

var errPendingCompleted = errors.New("ожидающая вставка уже завершена")

// NewSessionManager создает пустой реестр
func NewSessionManager(config SessionManagerConfig) *SessionManager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:    make(map[uint32]*Session),
		maxSessions: config.MaxSessions,
		logger:      logger.With(slog.String("component", "rtp_session_manager")),
	}
}

// PendingSession право вставить отсутствующую сессию. Пока не вызван
// AddSession или Cancel, реестр заблокирован. Cancel безопасно вызывать
// повторно и после AddSession, поэтому его удобно откладывать через defer.
type PendingSession struct {
	manager *SessionManager
	id      uint32
	once    sync.Once
}

// ID идентификатор, под которым будет вставлена сессия
func (p *PendingSession) ID() uint32 {
	return p.id
}

// AddSession вставляет сессию и освобождает реестр.
// Идентификатор сессии должен совпадать с запрошенным.
func (p *PendingSession) AddSession(session *Session) error {
	err := errPendingCompleted
	p.once.Do(func() {
		defer p.manager.mutex.Unlock()
		err = p.manager.insertLocked(p.id, session)
	})
	return err
}

// Cancel освобождает реестр без вставки
func (p *PendingSession) Cancel() {
	p.once.Do(p.manager.mutex.Unlock)
}

func (m *SessionManager) insertLocked(id uint32, session *Session) error {
	if session == nil {
		return fmt.Errorf("сессия не может быть nil")
	}
	if session.ID() != id {
		return newError(ErrorCodeSessionIDMismatch, id,
			fmt.Sprintf("вставляется сессия %d", session.ID()), nil)
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return fmt.Errorf("достигнут лимит сессий: %d", m.maxSessions)
	}

	m.sessions[id] = session
	m.totalSessions++
	m.logger.Debug("Сессия добавлена", slog.Uint64("session_id", uint64(id)))
	return nil
}

// UseSession возвращает существующую сессию с увеличенным счетчиком ссылок.
// Если сессии нет, возвращается PendingSession, а реестр остается
// заблокированным до AddSession или Cancel.
func (m *SessionManager) UseSession(id uint32) (*Session, *PendingSession) {
	m.mutex.Lock()
	if session, ok := m.sessions[id]; ok {
		session.IncrementReference()
		m.mutex.Unlock()
		return session, nil
	}
	return nil, &PendingSession{manager: m, id: id}
}

// UseOrCreateSession возвращает существующую сессию или создает новую через create.
// create вызывается под блокировкой реестра и не должен обращаться к нему.
// Второй результат сообщает, была ли сессия создана.
func (m *SessionManager) UseOrCreateSession(id uint32, create func(id uint32) (*Session, error)) (*Session, bool, error) {
	session, pending := m.UseSession(id)
	if session != nil {
		return session, false, nil
	}
	defer pending.Cancel()

	session, err := create(id)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка создания сессии %d: %w", id, err)
	}
	if err := pending.AddSession(session); err != nil {
		_ = session.Stop()
		return nil, false, err
	}
	return session, true, nil
}

// ReleaseSession уменьшает счетчик ссылок. На нуле сессия удаляется из
// реестра и останавливается. Освобождение неизвестной сессии безопасно.
func (m *SessionManager) ReleaseSession(id uint32) error {
	m.mutex.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mutex.Unlock()
		m.logger.Debug("Освобождение неизвестной сессии", slog.Uint64("session_id", uint64(id)))
		return nil
	}
	if !session.DecrementReference() {
		m.mutex.Unlock()
		return nil
	}
	delete(m.sessions, id)
	m.mutex.Unlock()

	m.logger.Info("Сессия удалена из реестра", slog.Uint64("session_id", uint64(id)))
	if err := session.Stop(); err != nil {
		return fmt.Errorf("ошибка остановки сессии %d: %w", id, err)
	}
	return nil
}

// GetSession поиск без захвата ссылки
func (m *SessionManager) GetSession(id uint32) (*Session, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	session, ok := m.sessions[id]
	return session, ok
}

// All перебирает сессии под блокировкой реестра. Блокировка снимается
// при любом выходе из цикла, включая break. Тело цикла не должно
// обращаться к реестру.
func (m *SessionManager) All() iter.Seq2[uint32, *Session] {
	return func(yield func(uint32, *Session) bool) {
		m.mutex.Lock()
		defer m.mutex.Unlock()

		for id, session := range m.sessions {
			if !yield(id, session) {
				return
			}
		}
	}
}

// Range вызывает fn для каждой сессии, пока fn возвращает true
func (m *SessionManager) Range(fn func(id uint32, session *Session) bool) {
	for id, session := range m.All() {
		if !fn(id, session) {
			return
		}
	}
}

// Sessions снимок сессий, упорядоченный по идентификатору
func (m *SessionManager) Sessions() []*Session {
	m.mutex.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mutex.Unlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return sessions
}

// Len текущее количество сессий
func (m *SessionManager) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sessions)
}

// Statistics статистика менеджера
func (m *SessionManager) Statistics() ManagerStatistics {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return ManagerStatistics{
		TotalSessions:  m.totalSessions,
		ActiveSessions: len(m.sessions),
		MaxSessions:    m.maxSessions,
	}
}

// StopAll удаляет все сессии независимо от счетчиков ссылок и останавливает их
func (m *SessionManager) StopAll() error {
	m.mutex.Lock()
	sessions := m.sessions
	m.sessions = make(map[uint32]*Session)
	m.mutex.Unlock()

	var errs []error
	for id, session := range sessions {
		if err := session.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("сессия %d: %w", id, err))
		}
	}
	if len(sessions) > 0 {
		m.logger.Info("Все сессии остановлены", slog.Int("count", len(sessions)))
	}
	return errors.Join(errs...)
}
