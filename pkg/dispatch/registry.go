package dispatch

import (
	"time"

	"github.com/strata-lab/strata/pkg/config"
	"github.com/strata-lab/strata/pkg/types"
)

// Converter describes one registered sensor converter. The dispatcher
// invokes the executable with the input directory, the output directory,
// and (when ExtraParams is set) a JSON parameter blob.
type Converter struct {
	Sensor      types.SensorKind
	Executable  string
	Args        []string
	Timeout     time.Duration
	ExtraParams map[string]string
}

// Registry maps sensor kinds to converters. Adding a converter is a
// configuration change, not a code change.
type Registry struct {
	converters map[types.SensorKind]*Converter
}

// NewRegistry builds the registry from configuration
func NewRegistry(specs []config.ConverterSpec) *Registry {
	r := &Registry{converters: make(map[types.SensorKind]*Converter)}
	for _, spec := range specs {
		r.converters[types.SensorKind(spec.Sensor)] = &Converter{
			Sensor:      types.SensorKind(spec.Sensor),
			Executable:  spec.Executable,
			Args:        spec.Args,
			Timeout:     time.Duration(spec.TimeoutMinutes) * time.Minute,
			ExtraParams: spec.ExtraParams,
		}
	}
	return r
}

// Lookup returns the converter for a sensor kind
func (r *Registry) Lookup(sensor types.SensorKind) (*Converter, bool) {
	conv, ok := r.converters[sensor]
	return conv, ok
}

// MaxTimeout returns the longest registered converter timeout
func (r *Registry) MaxTimeout() time.Duration {
	var max time.Duration
	for _, conv := range r.converters {
		if conv.Timeout > max {
			max = conv.Timeout
		}
	}
	return max
}
