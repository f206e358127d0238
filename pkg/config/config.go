// Package config loads and validates the cluster configuration: one
// YAML map per party, each with a list of workers.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/oisee/memplan/pkg/cluster"
)

// Error is a configuration error carrying the full YAML path of the
// offending key.
type Error struct {
	Path    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Path, e.Message)
}

// OTConfig tunes the oblivious-transfer machinery of protocols that
// use one.
type OTConfig struct {
	MaxBatchSize  uint32 `yaml:"max_batch_size"`
	PipelineDepth uint32 `yaml:"pipeline_depth"`
	NumDaemons    uint32 `yaml:"num_daemons"`
}

// Worker configures one worker of a party.
type Worker struct {
	InternalHost string `yaml:"internal_host"`
	InternalPort uint16 `yaml:"internal_port"`
	ExternalHost string `yaml:"external_host"`
	ExternalPort uint16 `yaml:"external_port"`

	StoragePath        string `yaml:"storage_path"`
	PageShift          uint8  `yaml:"page_shift"`
	NumPages           uint64 `yaml:"num_pages"`
	PrefetchBufferSize uint32 `yaml:"prefetch_buffer_size"`
	PrefetchLookahead  uint64 `yaml:"prefetch_lookahead"`

	ObliviousTransfer *OTConfig `yaml:"oblivious_transfer,omitempty"`
}

// Party configures the workers of one party.
type Party struct {
	Workers []Worker `yaml:"workers"`
}

// Config is the whole cluster configuration, keyed by party name
// ("garbler", "evaluator").
type Config struct {
	Parties map[string]Party `yaml:",inline"`
}

// Load parses and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Party returns the named party's configuration.
func (c *Config) Party(name string) (*Party, error) {
	p, ok := c.Parties[name]
	if !ok {
		return nil, &Error{Path: name, Message: "party not present"}
	}
	return &p, nil
}

// Worker returns the indexed worker of the named party.
func (c *Config) Worker(party string, index uint32) (*Worker, error) {
	p, err := c.Party(party)
	if err != nil {
		return nil, err
	}
	if int(index) >= len(p.Workers) {
		return nil, &Error{
			Path:    fmt.Sprintf("%s.workers", party),
			Message: fmt.Sprintf("worker index %d out of range (%d workers)", index, len(p.Workers)),
		}
	}
	return &p.Workers[index], nil
}

// InternalEndpoints returns the intra-party mesh endpoints of a party.
func (p *Party) InternalEndpoints() []cluster.Endpoint {
	eps := make([]cluster.Endpoint, len(p.Workers))
	for i, w := range p.Workers {
		eps[i] = cluster.Endpoint{Host: w.InternalHost, Port: w.InternalPort}
	}
	return eps
}

func (c *Config) validate() error {
	if len(c.Parties) == 0 {
		return &Error{Path: "(root)", Message: "no parties configured"}
	}
	for name, p := range c.Parties {
		if len(p.Workers) == 0 {
			return &Error{Path: name + ".workers", Message: "empty worker list"}
		}
		for i, w := range p.Workers {
			path := fmt.Sprintf("%s.workers[%d]", name, i)
			if w.InternalHost == "" {
				return &Error{Path: path + ".internal_host", Message: "missing"}
			}
			if w.InternalPort == 0 {
				return &Error{Path: path + ".internal_port", Message: "missing or zero"}
			}
			if w.PageShift == 0 || w.PageShift > 32 {
				return &Error{Path: path + ".page_shift", Message: "must be in 1..32"}
			}
			if w.NumPages == 0 {
				return &Error{Path: path + ".num_pages", Message: "missing or zero"}
			}
			if w.StoragePath == "" {
				return &Error{Path: path + ".storage_path", Message: "missing"}
			}
			if w.PrefetchLookahead == 0 && w.PrefetchBufferSize != 0 {
				return &Error{
					Path:    path + ".prefetch_lookahead",
					Message: "zero lookahead with a nonzero prefetch buffer",
				}
			}
			if ot := w.ObliviousTransfer; ot != nil {
				if ot.MaxBatchSize == 0 {
					return &Error{Path: path + ".oblivious_transfer.max_batch_size", Message: "missing or zero"}
				}
				if ot.NumDaemons == 0 {
					return &Error{Path: path + ".oblivious_transfer.num_daemons", Message: "missing or zero"}
				}
			}
		}
	}
	return nil
}
