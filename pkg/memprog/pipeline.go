package memprog

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/oisee/memplan/pkg/addr"
	"github.com/oisee/memplan/pkg/protocol"
)

// PipelineStats aggregates the counters of one planning run.
type PipelineStats struct {
	NumInstructions          uint64        `json:"num_instructions"`
	NumSwapOuts              uint64        `json:"num_swapouts"`
	NumSwapIns               uint64        `json:"num_swapins"`
	NumStorageFrames         uint64        `json:"num_storage_frames"`
	NumPrefetchAllocFailures uint64        `json:"num_prefetch_alloc_failures"`
	NumSynchronousSwapins    uint64        `json:"num_synchronous_swapins"`
	NumElisions              uint64        `json:"num_elisions"`
	MaxWorkingSet            uint64        `json:"max_working_set"`
	PlacementDuration        time.Duration `json:"placement_duration_ns"`
	ReplacementDuration      time.Duration `json:"replacement_duration_ns"`
	SchedulingDuration       time.Duration `json:"scheduling_duration_ns"`
}

// WriteJSON writes the stats as indented JSON.
func (s *PipelineStats) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// Pipeline drives the four offline planning stages for one problem:
// placement (via the DSL), annotation, replacement, and scheduling.
// Intermediate and final files are named <problem>.prog, <problem>.ann,
// <problem>.repprog and <problem>.memprog.
type Pipeline struct {
	ProblemName        string
	PageShift          addr.PageShift
	NumPages           uint64
	PrefetchBufferSize uint32
	PrefetchLookahead  uint64

	stats PipelineStats
}

// Stats returns the counters accumulated so far.
func (p *Pipeline) Stats() *PipelineStats {
	return &p.stats
}

// ProgFile returns the path of the virtual program.
func (p *Pipeline) ProgFile() string { return p.ProblemName + ".prog" }

// AnnFile returns the path of the annotation temporary.
func (p *Pipeline) AnnFile() string { return p.ProblemName + ".ann" }

// RepProgFile returns the path of the replacement-stage output.
func (p *Pipeline) RepProgFile() string { return p.ProblemName + ".repprog" }

// MemProgFile returns the path of the final memory program.
func (p *Pipeline) MemProgFile() string { return p.ProblemName + ".memprog" }

// Plan runs all four stages. dslProgram receives the program writer and
// emits the virtual bytecode through it.
func (p *Pipeline) Plan(protoName string, sizer protocol.Sizer, dslProgram func(*Program) error) error {
	start := time.Now()
	prog, err := NewProgram(p.ProgFile(), p.PageShift, NewBinnedPlacer(p.PageShift), protoName, sizer)
	if err != nil {
		return err
	}
	if err := dslProgram(prog); err != nil {
		prog.Close()
		return err
	}
	p.stats.NumInstructions = prog.NumInstructions()
	if err := prog.Close(); err != nil {
		return err
	}
	p.stats.PlacementDuration = time.Since(start)
	log.WithFields(log.Fields{
		"problem":      p.ProblemName,
		"instructions": p.stats.NumInstructions,
	}).Info("created program")

	start = time.Now()
	if err := p.allocate(); err != nil {
		return err
	}
	p.stats.ReplacementDuration = time.Since(start)

	start = time.Now()
	if err := p.schedule(); err != nil {
		return err
	}
	p.stats.SchedulingDuration = time.Since(start)

	if err := os.Remove(p.AnnFile()); err != nil {
		return errors.Wrap(err, "memprog: remove annotations")
	}
	return nil
}

func (p *Pipeline) allocate() error {
	maxWorkingSet, err := AnnotateProgram(p.AnnFile(), p.ProgFile(), p.PageShift)
	if err != nil {
		return err
	}
	p.stats.MaxWorkingSet = maxWorkingSet
	log.WithField("max_working_set", maxWorkingSet).Debug("computed annotations")

	allocator, err := NewBeladyAllocator(p.RepProgFile(), p.ProgFile(), p.AnnFile(), p.NumPages, p.PageShift)
	if err != nil {
		return err
	}
	if err := allocator.Allocate(); err != nil {
		return err
	}
	p.stats.NumSwapOuts = allocator.NumSwapOuts()
	p.stats.NumSwapIns = allocator.NumSwapIns()
	p.stats.NumStorageFrames = allocator.NumStorageFrames()
	log.WithFields(log.Fields{
		"swapouts": p.stats.NumSwapOuts,
		"swapins":  p.stats.NumSwapIns,
	}).Info("finished replacement stage")
	return nil
}

func (p *Pipeline) schedule() error {
	scheduler := NewBackdatingScheduler(p.RepProgFile(), p.MemProgFile(), p.PrefetchLookahead, p.PrefetchBufferSize)
	if err := scheduler.Schedule(); err != nil {
		return err
	}
	p.stats.NumPrefetchAllocFailures = scheduler.NumAllocationFailures()
	p.stats.NumSynchronousSwapins = scheduler.NumSynchronousSwapins()
	p.stats.NumElisions = scheduler.NumElisions()
	log.WithFields(log.Fields{
		"allocation_failures": p.stats.NumPrefetchAllocFailures,
		"synchronous_swapins": p.stats.NumSynchronousSwapins,
		"elisions":            p.stats.NumElisions,
	}).Info("finished scheduling swaps")
	return nil
}
