package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Op names an Adapter method for fault matching and call counting.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpRename Op = "rename"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

var ErrInjected = errors.New("storage: injected fault")

// Fault describes one injected failure.
type Fault struct {
	Op Op
	// Match is a substring of the path (for Rename, the source path).
	// Empty matches every path.
	Match string
	Err   error
	// Partial, for writes, persists only the first Partial bytes before
	// failing. Zero writes nothing.
	Partial int
	// Skip lets this many matching calls through before the fault fires.
	Skip int
	// Times limits how often the fault fires. Zero means forever.
	Times int

	seen  int
	fired int
}

// Faulty wraps an Adapter and injects faults by rule.
type Faulty struct {
	Adapter

	mu     sync.Mutex
	faults []*Fault
	calls  map[Op]int
}

func NewFaulty(inner Adapter) *Faulty {
	return &Faulty{Adapter: inner, calls: make(map[Op]int)}
}

func (f *Faulty) AddFault(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc := fault
	f.faults = append(f.faults, &fc)
}

// Heal removes every fault.
func (f *Faulty) Heal() {
	f.mu.Lock()
	f.faults = nil
	f.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls sums Calls over every op.
func (f *Faulty) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Faulty) check(op Op, name string) *Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	for _, fault := range f.faults {
		if fault.Op != op || !strings.Contains(name, fault.Match) {
			continue
		}
		if fault.Times > 0 && fault.fired >= fault.Times {
			continue
		}
		fault.seen++
		if fault.seen <= fault.Skip {
			continue
		}
		fault.fired++
		out := *fault
		if out.Err == nil {
			out.Err = ErrInjected
		}
		return &out
	}
	return nil
}

func (f *Faulty) Read(ctx context.Context, name string) ([]byte, error) {
	if fault := f.check(OpRead, name); fault != nil {
		return nil, fault.Err
	}
	return f.Adapter.Read(ctx, name)
}

func (f *Faulty) Write(ctx context.Context, name string, data []byte) error {
	if fault := f.check(OpWrite, name); fault != nil {
		if fault.Partial > 0 {
			n := fault.Partial
			if n > len(data) {
				n = len(data)
			}
			_ = f.Adapter.Write(ctx, name, data[:n])
		}
		return fault.Err
	}
	return f.Adapter.Write(ctx, name, data)
}

func (f *Faulty) Rename(ctx context.Context, src, dst string) error {
	if fault := f.check(OpRename, src); fault != nil {
		return fault.Err
	}
	return f.Adapter.Rename(ctx, src, dst)
}

func (f *Faulty) Delete(ctx context.Context, name string) error {
	if fault := f.check(OpDelete, name); fault != nil {
		return fault.Err
	}
	return f.Adapter.Delete(ctx, name)
}

func (f *Faulty) List(ctx context.Context, dir string) ([]string, error) {
	if fault := f.check(OpList, dir); fault != nil {
		return nil, fault.Err
	}
	return f.Adapter.List(ctx, dir)
}
