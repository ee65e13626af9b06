package llm

import (
	"context"
	"sync"
)

// Fake is a scripted Completer for tests and local runs.
type Fake struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []Request
}

// NewFake returns a Fake that answers with responses in order, repeating the last.
func NewFake(responses ...string) *Fake {
	return &Fake{responses: responses}
}

// FailWith makes every later call return err.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Name implements Completer.
func (f *Fake) Name() string {
	return "fake"
}

// Complete implements Completer.
func (f *Fake) Complete(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(f.responses) == 0 {
		return "{}", nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

// Requests returns the requests seen so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}
