package client

import (
	"sync"
	"time"

	"pairchat/internal/clock"
	"pairchat/internal/protocol"
)

const DefaultTypingIdle = time.Second

// Typist turns keystrokes into typing:start and typing:stop. The first
// keystroke starts the indicator and each one re-arms the idle timer.
type Typist struct {
	clock    clock.Clock
	username string
	idle     time.Duration
	send     func(protocol.Typing) error

	mu     sync.Mutex
	seq    int
	timers map[string]typingTimer
}

type typingTimer struct {
	timer clock.Timer
	seq   int
}

func NewTypist(clk clock.Clock, username string, send func(protocol.Typing) error) *Typist {
	return &Typist{
		clock:    clk,
		username: username,
		idle:     DefaultTypingIdle,
		send:     send,
		timers:   make(map[string]typingTimer),
	}
}

func (t *Typist) Keystroke(to string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, active := t.timers[to]
	if active {
		cur.timer.Stop()
	} else {
		_ = t.send(protocol.Typing{Username: t.username, Receiver: to, Active: true})
	}
	t.seq++
	seq := t.seq
	t.timers[to] = typingTimer{timer: t.clock.AfterFunc(t.idle, func() { t.expire(to, seq) }), seq: seq}
}

// expire ignores timers that were re-armed after they fired.
func (t *Typist) expire(to string, seq int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.timers[to]; ok && cur.seq == seq {
		t.stopLocked(to, cur)
	}
}

// Stop ends the indicator for to, if it is showing.
func (t *Typist) Stop(to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, active := t.timers[to]; active {
		t.stopLocked(to, cur)
	}
}

func (t *Typist) stopLocked(to string, cur typingTimer) {
	cur.timer.Stop()
	delete(t.timers, to)
	_ = t.send(protocol.Typing{Username: t.username, Receiver: to})
}

// Active reports whether an indicator is showing for to.
func (t *Typist) Active(to string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[to]
	return ok
}

// Reset forgets every indicator without sending stop.
func (t *Typist) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for to, cur := range t.timers {
		cur.timer.Stop()
		delete(t.timers, to)
	}
}
