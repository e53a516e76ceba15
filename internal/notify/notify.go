// Package notify is the fire-and-forget user notification channel. Nothing
// in the core consumes a return value from it.
package notify

import (
	"log"
	"sync"
)

// Notifier delivers user-visible outcome messages.
type Notifier interface {
	EmitError(summary, detail string)
	EmitSuccess(summary, detail string)
}

// LogNotifier writes notifications to the process log. The UI layer replaces
// it with a real toast channel.
type LogNotifier struct{}

func (LogNotifier) EmitError(summary, detail string) {
	log.Printf("notify: ERROR %s: %s", summary, detail)
}

func (LogNotifier) EmitSuccess(summary, detail string) {
	log.Printf("notify: OK %s: %s", summary, detail)
}

// Message is one recorded notification.
type Message struct {
	Summary string
	Detail  string
}

// Recorder captures notifications for assertions in tests.
type Recorder struct {
	mu        sync.Mutex
	Errors    []Message
	Successes []Message
}

func (r *Recorder) EmitError(summary, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, Message{Summary: summary, Detail: detail})
}

func (r *Recorder) EmitSuccess(summary, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Successes = append(r.Successes, Message{Summary: summary, Detail: detail})
}

// Reset clears everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = nil
	r.Successes = nil
}
