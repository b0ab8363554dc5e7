package gpucache

import (
	"slices"
	"strings"
	"sync"
)

type DumpLevel int

const (
	DumpBackground DumpLevel = iota
	DumpLight
	DumpDetailed
)

type MemoryDumpArgs struct {
	LevelOfDetail DumpLevel
}

const (
	UnitsBytes   = "bytes"
	UnitsObjects = "objects"
)

type DumpEntry struct {
	Name  string
	Units string
	Value uint64
}

// AllocatorDump is one named node of a ProcessMemoryDump.
type AllocatorDump struct {
	Name string

	mu      sync.Mutex
	entries []DumpEntry
}

func (d *AllocatorDump) AddScalar(name, units string, value uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.entries {
		if d.entries[i].Name == name {
			d.entries[i] = DumpEntry{Name: name, Units: units, Value: value}
			return
		}
	}
	d.entries = append(d.entries, DumpEntry{Name: name, Units: units, Value: value})
}

func (d *AllocatorDump) Scalar(name string) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		if e.Name == name {
			return e.Value, true
		}
	}
	return 0, false
}

func (d *AllocatorDump) Entries() []DumpEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.entries)
}

// ProcessMemoryDump collects allocator dumps from the caches of a process.
type ProcessMemoryDump struct {
	Args MemoryDumpArgs

	mu    sync.Mutex
	dumps map[string]*AllocatorDump
}

func NewProcessMemoryDump(args MemoryDumpArgs) *ProcessMemoryDump {
	return &ProcessMemoryDump{Args: args, dumps: make(map[string]*AllocatorDump)}
}

// CreateAllocatorDump returns the dump named name, creating it if needed.
func (p *ProcessMemoryDump) CreateAllocatorDump(name string) *AllocatorDump {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.dumps[name]; ok {
		return d
	}
	d := &AllocatorDump{Name: name}
	p.dumps[name] = d
	return d
}

func (p *ProcessMemoryDump) AllocatorDump(name string) *AllocatorDump {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dumps[name]
}

// AllocatorDumps returns the dumps sorted by name.
func (p *ProcessMemoryDump) AllocatorDumps() []*AllocatorDump {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*AllocatorDump, 0, len(p.dumps))
	for _, d := range p.dumps {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *AllocatorDump) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
