package rtp

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeSession(t *testing.T, id uint32) *Session {
	t.Helper()

	local, peer := NewPipeTransport()
	t.Cleanup(func() { _ = peer.Close() })

	session, err := NewSession(DefaultSessionConfig(id, local))
	require.NoError(t, err)
	return session
}

func TestSessionManagerUseOrCreate(t *testing.T) {
	manager := NewSessionManager(DefaultSessionManagerConfig())
	defer manager.StopAll()

	var created atomic.Int32
	create := func(id uint32) (*Session, error) {
		created.Add(1)
		return newPipeSession(t, id), nil
	}

	const callers = 2
	results := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, _, err := manager.UseOrCreateSession(5, create)
			assert.NoError(t, err)
			results[i] = session
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load(), "сессия создается один раз")
	require.NotNil(t, results[0])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, 2, results[0].References())
	assert.Zero(t, results[0].PacketsSent())

	require.NoError(t, manager.ReleaseSession(5))
	_, ok := manager.GetSession(5)
	assert.True(t, ok, "после первого освобождения сессия остается")

	require.NoError(t, manager.ReleaseSession(5))
	_, ok = manager.GetSession(5)
	assert.False(t, ok, "после второго освобождения сессия удалена")
	assert.Equal(t, StateClosed, results[0].State())

	assert.NoError(t, manager.ReleaseSession(5), "освобождение неизвестной сессии безопасно")
}

func TestSessionManagerPendingInsert(t *testing.T) {
	manager := NewSessionManager(DefaultSessionManagerConfig())
	defer manager.StopAll()

	t.Run("несовпадение идентификатора", func(t *testing.T) {
		session, pending := manager.UseSession(10)
		require.Nil(t, session)
		require.NotNil(t, pending)
		assert.Equal(t, uint32(10), pending.ID())

		other := newPipeSession(t, 11)
		defer other.Stop()
		err := pending.AddSession(other)
		assert.ErrorIs(t, err, ErrSessionIDMismatch)
		pending.Cancel()

		assert.Zero(t, manager.Len(), "реестр освобожден и пуст")
	})

	t.Run("вставка и повторное использование", func(t *testing.T) {
		_, pending := manager.UseSession(12)
		require.NotNil(t, pending)
		session := newPipeSession(t, 12)
		require.NoError(t, pending.AddSession(session))
		assert.ErrorIs(t, pending.AddSession(session), errPendingCompleted)
		pending.Cancel()

		found, again := manager.UseSession(12)
		assert.Nil(t, again)
		assert.Same(t, session, found)
		assert.Equal(t, 2, found.References())
	})

	t.Run("отмена без вставки", func(t *testing.T) {
		_, pending := manager.UseSession(13)
		require.NotNil(t, pending)
		pending.Cancel()
		pending.Cancel()

		_, ok := manager.GetSession(13)
		assert.False(t, ok)
	})
}

func TestSessionManagerLimit(t *testing.T) {
	manager := NewSessionManager(SessionManagerConfig{MaxSessions: 1})
	defer manager.StopAll()

	create := func(id uint32) (*Session, error) {
		return newPipeSession(t, id), nil
	}
	_, created, err := manager.UseOrCreateSession(1, create)
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = manager.UseOrCreateSession(2, create)
	assert.Error(t, err, "лимит сессий превышен")
	assert.Equal(t, 1, manager.Len())
}

func TestSessionManagerIteration(t *testing.T) {
	manager := NewSessionManager(DefaultSessionManagerConfig())
	defer manager.StopAll()

	for _, id := range []uint32{30, 10, 20} {
		_, _, err := manager.UseOrCreateSession(id, func(id uint32) (*Session, error) {
			return newPipeSession(t, id), nil
		})
		require.NoError(t, err)
	}

	var ids []uint32
	for _, session := range manager.Sessions() {
		ids = append(ids, session.ID())
	}
	assert.Equal(t, []uint32{10, 20, 30}, ids, "снимок упорядочен по идентификатору")

	visited := 0
	for range manager.All() {
		visited++
		break
	}
	assert.Equal(t, 1, visited)
	assert.Equal(t, 3, manager.Len(), "блокировка снята после break")

	visited = 0
	manager.Range(func(uint32, *Session) bool {
		visited++
		return true
	})
	assert.Equal(t, 3, visited)

	stats := manager.Statistics()
	assert.Equal(t, uint64(3), stats.TotalSessions)
	assert.Equal(t, 3, stats.ActiveSessions)
	assert.Equal(t, 100, stats.MaxSessions)

	require.NoError(t, manager.StopAll())
	assert.Zero(t, manager.Len())
}
