package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Driver describes one vendor implementation of Source.
type Driver struct {
	Name    string
	Open    func(args Args, opts ...Option) (Source, error)
	Devices func(ctx context.Context, hint Args) ([]string, error)
}

// Registry maps driver names to vendor implementations.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver)}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	r.drivers[d.Name] = d
	r.mu.Unlock()
}

func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup selects the driver named by the first bare key of args that is a
// registered driver, falling back to the "driver" key.
func (r *Registry) Lookup(args Args) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range args.Keys() {
		if args.values[k] != "" {
			continue
		}
		if d, ok := r.drivers[k]; ok {
			return d, nil
		}
	}
	if name := args.Get("driver", ""); name != "" {
		if d, ok := r.drivers[name]; ok {
			return d, nil
		}
		return Driver{}, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return Driver{}, fmt.Errorf("%w: no driver named in %q", ErrUnknownDriver, args.String())
}

func (r *Registry) Open(args string, opts ...Option) (Source, error) {
	parsed := ParseArgs(args)
	d, err := r.Lookup(parsed)
	if err != nil {
		return nil, err
	}
	src, err := d.Open(parsed, opts...)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	return src, nil
}

// Devices runs discovery on every driver, or only on the driver named by
// hint. A failing driver is logged and skipped.
func (r *Registry) Devices(ctx context.Context, hint string) []string {
	parsed := ParseArgs(hint)

	var drivers []Driver
	if d, err := r.Lookup(parsed); err == nil {
		drivers = append(drivers, d)
	} else {
		for _, name := range r.Drivers() {
			r.mu.RLock()
			drivers = append(drivers, r.drivers[name])
			r.mu.RUnlock()
		}
	}

	devices := make([]string, 0)
	for _, d := range drivers {
		if d.Devices == nil {
			continue
		}
		found, err := d.Devices(ctx, parsed)
		if err != nil {
			log.Warn().Err(err).Str("driver", d.Name).Msg("device discovery failed")
			continue
		}
		devices = append(devices, found...)
	}
	return devices
}
