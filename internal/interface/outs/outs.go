package outs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// Sink receives one rendered notification line.
type Sink interface {
	Notify(ctx context.Context, line string) error
}

// ConsoleSink writes each line to an io.Writer (stdout by default).
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleSink{w: w}
}

func (s *ConsoleSink) Notify(_ context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, line)
	return err
}

// MultiSink fans a line out to every registered sink.
type MultiSink struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewMultiSink() *MultiSink {
	return &MultiSink{
		sinks: make(map[string]Sink),
	}
}

// Register binds a sink to a name, replacing any previous one.
func (m *MultiSink) Register(name string, sink Sink) {
	if m == nil || sink == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[name] = sink
}

func (m *MultiSink) Unregister(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sinks, name)
}

func (m *MultiSink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

// Notify delivers to every sink in name order; one failing sink does not
// stop the others.
func (m *MultiSink) Notify(ctx context.Context, line string) error {
	if m == nil {
		return fmt.Errorf("outs: no multi sink configured")
	}

	m.mu.RLock()
	names := make([]string, 0, len(m.sinks))
	for name := range m.sinks {
		names = append(names, name)
	}
	sinks := make(map[string]Sink, len(m.sinks))
	for k, v := range m.sinks {
		sinks[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := sinks[name].Notify(ctx, line); err != nil {
			errs = append(errs, fmt.Errorf("outs: sink %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
