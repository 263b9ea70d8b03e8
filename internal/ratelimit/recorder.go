package ratelimit

import (
	"context"
	"sync"
)

type recorderKey struct{}

// Recorder collects the decisions made while serving one request so the
// transport layer can render rate-limit fields on success as well as denial.
type Recorder struct {
	mu      sync.Mutex
	last    Decision
	classes []Class
}

// WithRecorder attaches a fresh Recorder to ctx.
func WithRecorder(ctx context.Context) (context.Context, *Recorder) {
	r := &Recorder{}
	return context.WithValue(ctx, recorderKey{}, r), r
}

func recorderFrom(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}

func (r *Recorder) record(class Class, d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = d
	r.classes = append(r.classes, class)
}

// Last returns the most recent decision. ok is false when no limited class
// was checked.
func (r *Recorder) Last() (d Decision, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, len(r.classes) > 0
}

// Classes lists the checked classes in order.
func (r *Recorder) Classes() []Class {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Class(nil), r.classes...)
}
