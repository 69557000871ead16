// Package endpoint holds the per-worker state of the distributed
// modeling footprint: locally-owned subproblem instances, local and
// reduced field buffers, and the user-supplied factories that build
// surveys and subproblems from configuration overlays.
//
// An Endpoint lives in its worker's namespace and is touched only from
// that worker's serial task loop, so it carries no locking of its own.
package endpoint

import (
	"fmt"
	"slices"

	"github.com/mwheeler-geo/parsim/internal/fields"
	"github.com/mwheeler-geo/parsim/internal/subslice"
)

// Tag identifies a subproblem family: one (frequency-index,
// parameter-index) pair, globally unique across the cluster.
type Tag struct {
	Freq  int `json:"freq"`
	Param int `json:"param"`
}

// String renders the tag the way graph node labels spell it.
func (t Tag) String() string { return fmt.Sprintf("%d, %d", t.Freq, t.Param) }

// Key returns the tag as a merging-container key.
func (t Tag) Key() string { return fmt.Sprintf("%d,%d", t.Freq, t.Param) }

// Config is a string-keyed configuration mapping. The geometry entry
// under [GeomKey] is itself a Config.
type Config map[string]any

// GeomKey is the base-config entry holding survey geometry.
const GeomKey = "geom"

// Copy returns a shallow copy.
func (c Config) Copy() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Overlay returns a shallow copy of c with over's entries written on top.
func (c Config) Overlay(over Config) Config {
	out := c.Copy()
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Without returns a shallow copy of c lacking the listed keys.
func (c Config) Without(keys ...string) Config {
	out := make(Config, len(c))
	for k, v := range c {
		if !slices.Contains(keys, k) {
			out[k] = v
		}
	}
	return out
}

// Problem is a locally-owned subproblem instance. It must pair with
// exactly one survey before it can be solved.
type Problem interface {
	Pair(survey any) error
}

// ProblemFactory constructs a subproblem from a system configuration.
type ProblemFactory func(systemConfig Config) (Problem, error)

// SurveyFactory constructs a survey from a geometry configuration.
type SurveyFactory func(geom Config) (any, error)

// FieldSpec maps a field name to a constructor for its empty container.
type FieldSpec map[string]func() fields.Container

// SolveFunc computes fields for one tag over one source sub-slice.
type SolveFunc func(ep *Endpoint, tag Tag, src subslice.Slice) error

// ClearFunc releases per-tag solver state after its computes finish.
type ClearFunc func(ep *Endpoint, tag Tag) error

// SubConfig describes one subproblem assignment: which survey index and
// tag it belongs to, plus the configuration entries that differ from
// the base.
type SubConfig struct {
	ISub      int
	Tag       Tag
	Overrides Config
}

// Endpoint is the per-worker state container.
type Endpoint struct {
	ProblemFactory   ProblemFactory
	SurveyFactory    SurveyFactory
	BaseSystemConfig Config

	LocalSurveys  map[int]any
	LocalProblems map[Tag]Problem
	LocalFields   map[string]fields.Container
	GlobalFields  map[string]fields.Container

	Functions map[string]any
	FieldSpec FieldSpec
}

// New returns an Endpoint with empty state maps. Factories and the base
// configuration are filled in during bootstrap.
func New() *Endpoint {
	return &Endpoint{
		BaseSystemConfig: Config{},
		LocalSurveys:     map[int]any{},
		LocalProblems:    map[Tag]Problem{},
		LocalFields:      map[string]fields.Container{},
		GlobalFields:     map[string]fields.Container{},
		Functions:        map[string]any{},
	}
}

// SetupLocalFields prepares local field storage. With no names, all
// local fields are dropped and one empty container is built per
// FieldSpec entry. With names, only the listed fields are (re)built and
// the rest are left alone. A listed name missing from FieldSpec is an
// error.
func (ep *Endpoint) SetupLocalFields(names ...string) error {
	if len(names) == 0 {
		ep.LocalFields = map[string]fields.Container{}
		for name, ctor := range ep.FieldSpec {
			ep.LocalFields[name] = ctor()
		}
		return nil
	}
	for _, name := range names {
		ctor, ok := ep.FieldSpec[name]
		if !ok {
			return fmt.Errorf("endpoint: no field spec for %q", name)
		}
		ep.LocalFields[name] = ctor()
	}
	return nil
}

// SetupLocalSurveys builds one survey per sub-index by overlaying the
// per-sub geometry entries on a copy of the base geometry. Idempotent:
// re-running replaces the stored surveys.
func (ep *Endpoint) SetupLocalSurveys(subConfigs map[int]Config) error {
	if ep.SurveyFactory == nil {
		return fmt.Errorf("endpoint: survey factory not set")
	}
	baseGeom, ok := ep.BaseSystemConfig[GeomKey].(Config)
	if !ok {
		return fmt.Errorf("endpoint: base system config has no %q entry", GeomKey)
	}
	for isub, over := range subConfigs {
		survey, err := ep.SurveyFactory(baseGeom.Overlay(over))
		if err != nil {
			return fmt.Errorf("endpoint: building survey %d: %w", isub, err)
		}
		ep.LocalSurveys[isub] = survey
	}
	return nil
}

// SetupLocalProblem builds the subproblem for one tag from the base
// configuration (minus geometry) overlaid with the sub configuration,
// pairs it with the survey for its sub-index, and stores it. The survey
// must already exist, and the tag must not be registered on this worker.
func (ep *Endpoint) SetupLocalProblem(sub SubConfig) error {
	if ep.ProblemFactory == nil {
		return fmt.Errorf("endpoint: problem factory not set")
	}
	if _, exists := ep.LocalProblems[sub.Tag]; exists {
		return fmt.Errorf("endpoint: tag (%s) already registered", sub.Tag)
	}
	survey, ok := ep.LocalSurveys[sub.ISub]
	if !ok {
		return fmt.Errorf("endpoint: no survey for sub-index %d", sub.ISub)
	}

	systemConfig := ep.BaseSystemConfig.Without(GeomKey).Overlay(sub.Overrides)
	problem, err := ep.ProblemFactory(systemConfig)
	if err != nil {
		return fmt.Errorf("endpoint: building problem (%s): %w", sub.Tag, err)
	}
	if err := problem.Pair(survey); err != nil {
		return fmt.Errorf("endpoint: pairing problem (%s) with survey %d: %w", sub.Tag, sub.ISub, err)
	}
	ep.LocalProblems[sub.Tag] = problem
	return nil
}

// Tags returns the tags registered on this worker, sorted by frequency
// then parameter index.
func (ep *Endpoint) Tags() []Tag {
	tags := make([]Tag, 0, len(ep.LocalProblems))
	for t := range ep.LocalProblems {
		tags = append(tags, t)
	}
	slices.SortFunc(tags, func(a, b Tag) int {
		if a.Freq != b.Freq {
			return a.Freq - b.Freq
		}
		return a.Param - b.Param
	})
	return tags
}

// SolveFn resolves a solve callable from the functions table.
func (ep *Endpoint) SolveFn(key string) (SolveFunc, error) {
	v, ok := ep.Functions[key]
	if !ok {
		return nil, fmt.Errorf("endpoint: no function %q", key)
	}
	fn, ok := v.(SolveFunc)
	if !ok {
		return nil, fmt.Errorf("endpoint: function %q is %T, not a solve function", key, v)
	}
	return fn, nil
}

// ClearFn resolves a clear callable from the functions table.
func (ep *Endpoint) ClearFn(key string) (ClearFunc, error) {
	v, ok := ep.Functions[key]
	if !ok {
		return nil, fmt.Errorf("endpoint: no function %q", key)
	}
	fn, ok := v.(ClearFunc)
	if !ok {
		return nil, fmt.Errorf("endpoint: function %q is %T, not a clear function", key, v)
	}
	return fn, nil
}
