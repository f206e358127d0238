// Package programs registers the circuit programs the planner can
// build, keyed by name.
package programs

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/oisee/memplan/pkg/dsl"
)

// Options carries the per-worker planning parameters into a program.
type Options struct {
	NumWorkers  uint32
	WorkerIndex uint32
	ProblemSize uint64
}

// Func emits one program through the DSL.
type Func func(ctx *dsl.Context, opts Options) error

// Entry is one registered program.
type Entry struct {
	Name        string
	Description string
	Build       Func
}

var registry = map[string]Entry{}

// Register adds a program to the registry. It panics on duplicates;
// registration happens in package init functions.
func Register(name, description string, build Func) {
	if _, dup := registry[name]; dup {
		panic("programs: duplicate registration of " + name)
	}
	registry[name] = Entry{Name: name, Description: description, Build: build}
}

// Lookup finds a program by name.
func Lookup(name string) (Entry, error) {
	e, ok := registry[name]
	if !ok {
		return Entry{}, errors.Errorf("programs: %q is not a valid program name", name)
	}
	return e, nil
}

// All returns the registered programs sorted by name.
func All() []Entry {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	entries := make([]Entry, 0, len(names))
	for _, n := range names {
		entries = append(entries, registry[n])
	}
	return entries
}
