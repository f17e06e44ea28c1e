package proc

import (
	"context"
	"sync"
)

// Fake is a scripted Runner. Handler decides each result; calls are recorded
// in order so callers can assert on what was executed.
type Fake struct {
	mu      sync.Mutex
	calls   []Cmd
	Handler func(cmd Cmd) Result
}

func (f *Fake) Run(_ context.Context, cmd Cmd) Result {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	h := f.Handler
	f.mu.Unlock()
	if h == nil {
		return Result{}
	}
	return h(cmd)
}

// Calls returns a snapshot of the recorded commands.
func (f *Fake) Calls() []Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Cmd(nil), f.calls...)
}

// CallsTo filters recorded commands by executable name.
func (f *Fake) CallsTo(name string) []Cmd {
	var out []Cmd
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}
