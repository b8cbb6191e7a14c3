package protocol

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Options are the identities a codec writes into message headers.
type Options struct {
	SendingApp        string
	SendingFacility   string
	ReceivingApp      string
	ReceivingFacility string
	Now               func() time.Time
}

// Clock returns Now or the wall clock.
func (o Options) Clock() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Factory builds an adapter.
type Factory func(opts Options) Adapter

var (
	mu        sync.RWMutex
	factories = map[Name]Factory{}
)

// Register makes a protocol available by name. Protocol packages call it
// from init.
func Register(name Name, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// New builds the adapter registered under name.
func New(name Name, opts Options) (Adapter, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q", name)
	}
	return f(opts), nil
}

// Registered lists the registered protocol names.
func Registered() []Name {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Name, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
