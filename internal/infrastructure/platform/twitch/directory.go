package twitchinfra

import (
	"context"
	"fmt"
	"sync"

	"liveRelay/internal/domain"
)

// LookupFunc asks the platform for a channel's ID. It returns ("", nil) when
// the channel definitely does not exist.
type LookupFunc func(ctx context.Context, login string) (string, error)

// Directory maps channel names to numeric IDs. IDs arrive either from an
// explicit lookup or from chat traffic observed on the channel; Resolve
// waits for whichever comes first.
type Directory struct {
	lookup     LookupFunc
	onResolved func(name, id string)

	mu      sync.Mutex
	ids     map[string]string
	waiters map[string][]chan string
}

func NewDirectory(lookup LookupFunc, onResolved func(name, id string)) *Directory {
	return &Directory{
		lookup:     lookup,
		onResolved: onResolved,
		ids:        make(map[string]string),
		waiters:    make(map[string][]chan string),
	}
}

// Observe records an ID seen for a channel and wakes every waiter.
func (d *Directory) Observe(name, id string) {
	name = domain.NormalizeChannel(name)
	if name == "" || id == "" || id == "0" {
		return
	}

	d.mu.Lock()
	if existing, ok := d.ids[name]; ok && existing == id {
		d.mu.Unlock()
		return
	}
	d.ids[name] = id
	waiters := d.waiters[name]
	delete(d.waiters, name)
	d.mu.Unlock()

	for _, ch := range waiters {
		ch <- id
	}
	if d.onResolved != nil {
		d.onResolved(name, id)
	}
}

func (d *Directory) Lookup(name string) (string, bool) {
	name = domain.NormalizeChannel(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.ids[name]
	return id, ok
}

// Resolve returns the channel ID, blocking until it is known or ctx ends.
// It never returns an empty ID with a nil error.
func (d *Directory) Resolve(ctx context.Context, name string) (string, error) {
	name = domain.NormalizeChannel(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty channel name", domain.ErrUnresolvedChannel)
	}
	if id, ok := d.Lookup(name); ok {
		return id, nil
	}

	var lookupErr error
	if d.lookup != nil {
		id, err := d.lookup(ctx, name)
		switch {
		case err != nil:
			lookupErr = err
		case id == "":
			return "", fmt.Errorf("%w: %s does not exist", domain.ErrUnresolvedChannel, name)
		default:
			d.Observe(name, id)
			return id, nil
		}
	}

	ch := make(chan string, 1)
	d.mu.Lock()
	if id, ok := d.ids[name]; ok {
		d.mu.Unlock()
		return id, nil
	}
	d.waiters[name] = append(d.waiters[name], ch)
	d.mu.Unlock()

	select {
	case id := <-ch:
		return id, nil
	case <-ctx.Done():
		d.dropWaiter(name, ch)
		if lookupErr != nil {
			return "", fmt.Errorf("%w: %s: %w (lookup: %v)", domain.ErrUnresolvedChannel, name, ctx.Err(), lookupErr)
		}
		return "", fmt.Errorf("%w: %s: %w", domain.ErrUnresolvedChannel, name, ctx.Err())
	}
}

func (d *Directory) dropWaiter(name string, ch chan string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	waiters := d.waiters[name]
	for i, w := range waiters {
		if w == ch {
			d.waiters[name] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(d.waiters[name]) == 0 {
		delete(d.waiters, name)
	}
}
