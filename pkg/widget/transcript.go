package widget

import "sync"

// Transcript is an in-memory Renderer. It records what a front end would
// display and is safe for concurrent use.
type Transcript struct {
	mu          sync.RWMutex
	messages    []Message
	placeholder bool
	// counters for the side effects that carry no state
	clears, scrolls, focuses int
}

// Snapshot is a point-in-time copy of a Transcript.
type Snapshot struct {
	Messages    []Message `json:"messages"`
	Placeholder bool      `json:"placeholder"`
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

func (t *Transcript) AppendMessage(msg Message) {
	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()
}

func (t *Transcript) ShowPlaceholder() {
	t.mu.Lock()
	t.placeholder = true
	t.mu.Unlock()
}

func (t *Transcript) RemovePlaceholder() {
	t.mu.Lock()
	t.placeholder = false
	t.mu.Unlock()
}

func (t *Transcript) ClearInput() {
	t.mu.Lock()
	t.clears++
	t.mu.Unlock()
}

func (t *Transcript) ScrollToEnd() {
	t.mu.Lock()
	t.scrolls++
	t.mu.Unlock()
}

func (t *Transcript) Focus() {
	t.mu.Lock()
	t.focuses++
	t.mu.Unlock()
}

func (t *Transcript) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Messages:    append([]Message(nil), t.messages...),
		Placeholder: t.placeholder,
	}
}

func (t *Transcript) Messages() []Message {
	return t.Snapshot().Messages
}

func (t *Transcript) HasPlaceholder() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.placeholder
}

// Counts reports how many times ClearInput, ScrollToEnd and Focus were called.
func (t *Transcript) Counts() (clears, scrolls, focuses int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clears, t.scrolls, t.focuses
}
