// Package keylock — мьютексы по строковому ключу.
// Русский комментарий: Используется процессорами, чтобы проверка на дубликат и
// создание записи для одной пары (правило, хеш) не шли параллельно из разных
// сообщений. Запись о ключе живёт только пока её кто-то держит или ждёт.
package keylock

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Locker выдаёт мьютекс на ключ.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// New создаёт пустой Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

// Lock захватывает ключ и возвращает функцию освобождения.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len — число ключей, которые сейчас удерживаются или ожидаются.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
