package resources

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Kind names an exclusive resource.
type Kind string

const (
	ASR     Kind = "asr"
	LLM     Kind = "llm"
	Capture Kind = "capture"
	Runtime Kind = "runtime"
)

// Kinds lists every resource the registry manages.
var Kinds = []Kind{ASR, LLM, Capture, Runtime}

// Device is an execution device preference.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceGPU  Device = "gpu"
)

// ParseDevice maps free text onto a Device, defaulting to auto.
func ParseDevice(s string) Device {
	switch Device(s) {
	case DeviceCPU, DeviceGPU:
		return Device(s)
	}
	return DeviceAuto
}

var (
	// ErrResourceBusy is returned by Acquire when the slot is held.
	ErrResourceBusy = errors.New("resource busy")
	// ErrModelMissing is returned when the model a resource needs is not installed.
	ErrModelMissing = errors.New("model missing")
)

// ProbeResult is what a presence probe reports for a resource.
type ProbeResult struct {
	Available bool
	GPUReady  bool
	Detail    string // model id, device name or missing-file hint
}

// Probe checks whether a resource is usable right now. Probes touch the
// filesystem and run only from Refresh.
type Probe func() ProbeResult

// Status is the externally visible state of one resource.
type Status struct {
	Kind            Kind   `json:"kind"`
	Available       bool   `json:"available"`
	Loaded          bool   `json:"loaded"`
	Device          Device `json:"device"`
	EffectiveDevice Device `json:"effective_device"`
	Holder          string `json:"holder,omitempty"`
	Detail          string `json:"detail,omitempty"`
}

type slot struct {
	sem    *semaphore.Weighted
	holder string
	probe  Probe
	last   ProbeResult
	device Device
	loaded func() bool
}

// Registry owns one single-slot guard per resource kind plus the cached
// availability of each.
type Registry struct {
	mu    sync.Mutex
	slots map[Kind]*slot
	bus   *jobs.EventBus
	log   zerolog.Logger
}

// NewRegistry creates a registry with every kind free and unavailable until
// probes are set and Refresh runs. Capture and runtime default to available.
func NewRegistry(bus *jobs.EventBus, log zerolog.Logger) *Registry {
	r := &Registry{
		slots: make(map[Kind]*slot, len(Kinds)),
		bus:   bus,
		log:   log,
	}
	for _, k := range Kinds {
		s := &slot{sem: semaphore.NewWeighted(1), device: DeviceAuto}
		if k == Capture || k == Runtime {
			s.last = ProbeResult{Available: true}
			s.device = DeviceCPU
		}
		r.slots[k] = s
	}
	return r
}

func (r *Registry) slot(kind Kind) *slot {
	s, ok := r.slots[kind]
	if !ok {
		panic(fmt.Sprintf("resources: unknown kind %q", kind))
	}
	return s
}

// SetProbe installs the presence probe for kind.
func (r *Registry) SetProbe(kind Kind, p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slot(kind).probe = p
}

// SetLoaded installs a callback reporting whether kind's handle is loaded.
func (r *Registry) SetLoaded(kind Kind, fn func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slot(kind).loaded = fn
}

// SetDevice records the device preference for kind.
func (r *Registry) SetDevice(kind Kind, d Device) {
	r.mu.Lock()
	r.slot(kind).device = d
	r.mu.Unlock()
	r.publish(kind)
}

// Lease is a held slot. Release is idempotent.
type Lease struct {
	r    *Registry
	kind Kind
	once sync.Once
}

// Kind returns the leased resource kind.
func (l *Lease) Kind() Kind { return l.kind }

// Release frees the slot.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.r.mu.Lock()
		s := l.r.slot(l.kind)
		s.holder = ""
		s.sem.Release(1)
		l.r.mu.Unlock()
		l.r.log.Debug().Str("resource", string(l.kind)).Msg("resource released")
		l.r.publish(l.kind)
	})
}

// Acquire takes the single slot of kind without blocking. It fails with
// ErrResourceBusy when another holder has it.
func (r *Registry) Acquire(kind Kind, holder string) (*Lease, error) {
	if holder == "" {
		holder = "anonymous"
	}
	r.mu.Lock()
	s := r.slot(kind)
	if !s.sem.TryAcquire(1) {
		cur := s.holder
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s held by %s", ErrResourceBusy, kind, cur)
	}
	s.holder = holder
	r.mu.Unlock()

	r.log.Debug().Str("resource", string(kind)).Str("holder", holder).Msg("resource acquired")
	r.publish(kind)
	return &Lease{r: r, kind: kind}, nil
}

// Held reports whether the slot of kind is taken.
func (r *Registry) Held(kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slot(kind).holder != ""
}

// Available reports the cached probe result for kind.
func (r *Registry) Available(kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slot(kind).last.Available
}

// RequireModel returns ErrModelMissing unless kind's probe found its model.
func (r *Registry) RequireModel(kind Kind) error {
	r.mu.Lock()
	last := r.slot(kind).last
	r.mu.Unlock()
	if last.Available {
		return nil
	}
	if last.Detail != "" {
		return fmt.Errorf("%w: %s (%s)", ErrModelMissing, kind, last.Detail)
	}
	return fmt.Errorf("%w: %s", ErrModelMissing, kind)
}

// EffectiveDevice resolves the device preference of kind against GPU
// readiness.
func (r *Registry) EffectiveDevice(kind Kind) Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slot(kind)
	return resolveDevice(s.device, s.last.GPUReady)
}

func resolveDevice(pref Device, gpuReady bool) Device {
	switch pref {
	case DeviceCPU:
		return DeviceCPU
	case DeviceGPU, DeviceAuto:
		if gpuReady {
			return DeviceGPU
		}
	}
	return DeviceCPU
}

// Status returns the current state of kind.
func (r *Registry) Status(kind Kind) Status {
	r.mu.Lock()
	s := r.slot(kind)
	st := Status{
		Kind:            kind,
		Available:       s.last.Available,
		Device:          s.device,
		EffectiveDevice: resolveDevice(s.device, s.last.GPUReady),
		Holder:          s.holder,
		Detail:          s.last.Detail,
	}
	loaded := s.loaded
	r.mu.Unlock()

	if loaded != nil {
		st.Loaded = loaded()
	}
	return st
}

// All returns the status of every kind in a stable order.
func (r *Registry) All() []Status {
	out := make([]Status, 0, len(Kinds))
	for _, k := range Kinds {
		out = append(out, r.Status(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// ResourcesHeld reports which slots are taken, keyed by kind name.
func (r *Registry) ResourcesHeld() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.slots))
	for k, s := range r.slots {
		out[string(k)] = s.holder != ""
	}
	return out
}

// Refresh re-runs every probe and publishes the kinds whose availability
// changed.
func (r *Registry) Refresh() {
	type probeJob struct {
		kind  Kind
		probe Probe
	}
	r.mu.Lock()
	var todo []probeJob
	for _, k := range Kinds {
		if p := r.slots[k].probe; p != nil {
			todo = append(todo, probeJob{k, p})
		}
	}
	r.mu.Unlock()

	for _, j := range todo {
		res := j.probe()
		r.mu.Lock()
		s := r.slots[j.kind]
		changed := s.last != res
		s.last = res
		r.mu.Unlock()
		if changed {
			r.log.Info().
				Str("resource", string(j.kind)).
				Bool("available", res.Available).
				Bool("gpu_ready", res.GPUReady).
				Str("detail", res.Detail).
				Msg("resource availability changed")
			r.publish(j.kind)
		}
	}
}

func (r *Registry) publish(kind Kind) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(jobs.EventData{
		Type:    jobs.EventResource,
		Kind:    string(kind),
		Key:     jobs.GlobalKey,
		Payload: r.Status(kind),
	})
}
