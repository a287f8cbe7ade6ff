package notify

import (
	"context"
	"sync"
)

// Sent is one recorded notification.
type Sent struct {
	TelegramID int64
	Kind       Kind
	Payload    Payload
}

// Recorder captures notifications for test assertions.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(_ context.Context, telegramID int64, kind Kind, p Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{TelegramID: telegramID, Kind: kind, Payload: p})
}

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// ByKind returns the recorded notifications of one kind.
func (r *Recorder) ByKind(kind Kind) []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sent
	for _, s := range r.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}
