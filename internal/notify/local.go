package notify

import "sync"

// Local is an in-process Notifier. It is the default when no NATS URL is
// configured and the building block tests run against.
type Local struct {
	mu          sync.RWMutex
	nextID      int
	appends     map[int]func(AppendHint)
	checkpoints map[int]func(CheckpointHint)
	closed      bool
}

// NewLocal creates an in-process notifier.
func NewLocal() *Local {
	return &Local{
		appends:     make(map[int]func(AppendHint)),
		checkpoints: make(map[int]func(CheckpointHint)),
	}
}

// PublishAppend implements Notifier.
func (l *Local) PublishAppend(hint AppendHint) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	for _, fn := range l.appends {
		fn(hint)
	}
}

// PublishCheckpoint implements Notifier.
func (l *Local) PublishCheckpoint(hint CheckpointHint) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	for _, fn := range l.checkpoints {
		fn(hint)
	}
}

// SubscribeAppends implements Notifier.
func (l *Local) SubscribeAppends(fn func(AppendHint)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.appends[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.appends, id)
	}
}

// SubscribeCheckpoints implements Notifier.
func (l *Local) SubscribeCheckpoints(fn func(CheckpointHint)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.checkpoints[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.checkpoints, id)
	}
}

// Close implements Notifier.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.appends = map[int]func(AppendHint){}
	l.checkpoints = map[int]func(CheckpointHint){}
	return nil
}
