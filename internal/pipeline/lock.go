package pipeline

import "sync"

// Locker holds one in-process lock per job id.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

// TryLock takes the lock for jobID without blocking. The returned func
// releases it and is safe to call more than once.
func (l *Locker) TryLock(jobID string) (unlock func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[jobID]; busy {
		return nil, false
	}
	l.held[jobID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, jobID)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether jobID is currently locked.
func (l *Locker) Held(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[jobID]
	return busy
}
