package endpoint

import (
	"errors"
	"testing"

	"github.com/mwheeler-geo/parsim/internal/fields"
	"github.com/mwheeler-geo/parsim/internal/subslice"
)

// stubProblem records pairing for assertions.
type stubProblem struct {
	cfg     Config
	paired  any
	pairErr error
}

func (p *stubProblem) Pair(survey any) error {
	if p.pairErr != nil {
		return p.pairErr
	}
	p.paired = survey
	return nil
}

func newTestEndpoint() *Endpoint {
	ep := New()
	ep.BaseSystemConfig = Config{
		GeomKey: Config{"nrec": 8, "spacing": 25.0},
		"freq":  1.0,
		"cfl":   0.5,
	}
	ep.SurveyFactory = func(geom Config) (any, error) {
		return geom, nil
	}
	ep.ProblemFactory = func(systemConfig Config) (Problem, error) {
		return &stubProblem{cfg: systemConfig}, nil
	}
	return ep
}

func TestSetupLocalFieldsFromSpec(t *testing.T) {
	ep := New()
	ep.FieldSpec = FieldSpec{
		"u": func() fields.Container { return fields.Zeros(2) },
		"v": func() fields.Container { return fields.Zeros(3) },
	}
	if err := ep.SetupLocalFields(); err != nil {
		t.Fatalf("SetupLocalFields() error = %v", err)
	}
	if len(ep.LocalFields) != 2 {
		t.Fatalf("len(LocalFields) = %d, want 2", len(ep.LocalFields))
	}
	// Idempotent: a second call rebuilds the same set.
	ep.LocalFields["stale"] = fields.Zeros(1)
	if err := ep.SetupLocalFields(); err != nil {
		t.Fatalf("second SetupLocalFields() error = %v", err)
	}
	if len(ep.LocalFields) != 2 {
		t.Errorf("len(LocalFields) after rerun = %d, want 2", len(ep.LocalFields))
	}
	if _, ok := ep.LocalFields["stale"]; ok {
		t.Error("no-arg SetupLocalFields did not clear extra fields")
	}
}

func TestSetupLocalFieldsNamedKeepsOthers(t *testing.T) {
	ep := New()
	ep.FieldSpec = FieldSpec{
		"u": func() fields.Container { return fields.Zeros(2) },
		"v": func() fields.Container { return fields.Zeros(3) },
	}
	if err := ep.SetupLocalFields(); err != nil {
		t.Fatalf("SetupLocalFields() error = %v", err)
	}
	before := ep.LocalFields["v"]
	if err := ep.SetupLocalFields("u"); err != nil {
		t.Fatalf("SetupLocalFields(u) error = %v", err)
	}
	if ep.LocalFields["v"] != before {
		t.Error("named setup rebuilt an unlisted field")
	}
}

func TestSetupLocalFieldsUnknownName(t *testing.T) {
	ep := New()
	ep.FieldSpec = FieldSpec{"u": func() fields.Container { return fields.Zeros(1) }}
	if err := ep.SetupLocalFields("w"); err == nil {
		t.Error("SetupLocalFields(unknown) = nil error, want error")
	}
}

func TestSetupLocalSurveysOverlaysGeometry(t *testing.T) {
	ep := newTestEndpoint()
	err := ep.SetupLocalSurveys(map[int]Config{
		0: {"freq": 2.0},
		1: {"freq": 4.0, "nrec": 16},
	})
	if err != nil {
		t.Fatalf("SetupLocalSurveys() error = %v", err)
	}
	s1 := ep.LocalSurveys[1].(Config)
	if s1["nrec"] != 16 {
		t.Errorf("survey 1 nrec = %v, want overlay value 16", s1["nrec"])
	}
	if s1["spacing"] != 25.0 {
		t.Errorf("survey 1 spacing = %v, want base value 25.0", s1["spacing"])
	}
	// The base geometry must not be mutated by the overlay.
	baseGeom := ep.BaseSystemConfig[GeomKey].(Config)
	if baseGeom["nrec"] != 8 {
		t.Errorf("base geom nrec = %v, want 8 (overlay leaked into base)", baseGeom["nrec"])
	}
}

func TestSetupLocalSurveysRequiresGeom(t *testing.T) {
	ep := newTestEndpoint()
	ep.BaseSystemConfig = Config{"freq": 1.0}
	if err := ep.SetupLocalSurveys(map[int]Config{0: {}}); err == nil {
		t.Error("SetupLocalSurveys without geom = nil error, want error")
	}
}

func TestSetupLocalProblem(t *testing.T) {
	ep := newTestEndpoint()
	if err := ep.SetupLocalSurveys(map[int]Config{0: {}}); err != nil {
		t.Fatalf("SetupLocalSurveys() error = %v", err)
	}
	tag := Tag{Freq: 0, Param: 0}
	err := ep.SetupLocalProblem(SubConfig{ISub: 0, Tag: tag, Overrides: Config{"freq": 3.0}})
	if err != nil {
		t.Fatalf("SetupLocalProblem() error = %v", err)
	}
	p := ep.LocalProblems[tag].(*stubProblem)
	if p.paired == nil {
		t.Error("problem was not paired with a survey")
	}
	if p.cfg["freq"] != 3.0 {
		t.Errorf("problem config freq = %v, want overlay value 3.0", p.cfg["freq"])
	}
	if _, hasGeom := p.cfg[GeomKey]; hasGeom {
		t.Error("problem config still contains geometry entry")
	}
	if p.cfg["cfl"] != 0.5 {
		t.Errorf("problem config cfl = %v, want base value 0.5", p.cfg["cfl"])
	}
}

func TestSetupLocalProblemMissingSurvey(t *testing.T) {
	ep := newTestEndpoint()
	err := ep.SetupLocalProblem(SubConfig{ISub: 3, Tag: Tag{0, 0}})
	if err == nil {
		t.Error("SetupLocalProblem without survey = nil error, want error")
	}
}

func TestSetupLocalProblemDuplicateTag(t *testing.T) {
	ep := newTestEndpoint()
	if err := ep.SetupLocalSurveys(map[int]Config{0: {}}); err != nil {
		t.Fatalf("SetupLocalSurveys() error = %v", err)
	}
	sub := SubConfig{ISub: 0, Tag: Tag{1, 2}}
	if err := ep.SetupLocalProblem(sub); err != nil {
		t.Fatalf("first SetupLocalProblem() error = %v", err)
	}
	if err := ep.SetupLocalProblem(sub); err == nil {
		t.Error("duplicate SetupLocalProblem = nil error, want error")
	}
}

func TestSetupLocalProblemPairFailure(t *testing.T) {
	ep := newTestEndpoint()
	pairErr := errors.New("geometry mismatch")
	ep.ProblemFactory = func(systemConfig Config) (Problem, error) {
		return &stubProblem{pairErr: pairErr}, nil
	}
	if err := ep.SetupLocalSurveys(map[int]Config{0: {}}); err != nil {
		t.Fatalf("SetupLocalSurveys() error = %v", err)
	}
	err := ep.SetupLocalProblem(SubConfig{ISub: 0, Tag: Tag{0, 0}})
	if !errors.Is(err, pairErr) {
		t.Errorf("SetupLocalProblem() error = %v, want wrapped pair error", err)
	}
	if len(ep.LocalProblems) != 0 {
		t.Error("failed pairing still registered the problem")
	}
}

func TestSetupLocalProblemWithoutFactory(t *testing.T) {
	ep := New()
	ep.LocalSurveys[0] = struct{}{}
	if err := ep.SetupLocalProblem(SubConfig{ISub: 0}); err == nil {
		t.Error("SetupLocalProblem without factory = nil error, want error")
	}
}

func TestTagsSorted(t *testing.T) {
	ep := New()
	ep.LocalProblems[Tag{2, 0}] = &stubProblem{}
	ep.LocalProblems[Tag{0, 1}] = &stubProblem{}
	ep.LocalProblems[Tag{0, 0}] = &stubProblem{}
	got := ep.Tags()
	want := []Tag{{0, 0}, {0, 1}, {2, 0}}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("Tags()[%d] = %v, want %v", i, got[i], w)
		}
	}
}

func TestFunctionResolution(t *testing.T) {
	ep := New()
	ep.Functions["fwd"] = SolveFunc(func(*Endpoint, Tag, subslice.Slice) error { return nil })
	ep.Functions["rel"] = ClearFunc(func(*Endpoint, Tag) error { return nil })

	if _, err := ep.SolveFn("fwd"); err != nil {
		t.Errorf("SolveFn(fwd) error = %v", err)
	}
	if _, err := ep.ClearFn("rel"); err != nil {
		t.Errorf("ClearFn(rel) error = %v", err)
	}
	if _, err := ep.SolveFn("rel"); err == nil {
		t.Error("SolveFn on clear function = nil error, want error")
	}
	if _, err := ep.SolveFn("missing"); err == nil {
		t.Error("SolveFn(missing) = nil error, want error")
	}
}

func TestConfigOverlayDoesNotMutate(t *testing.T) {
	base := Config{"a": 1, "b": 2}
	out := base.Overlay(Config{"b": 3, "c": 4})
	if base["b"] != 2 {
		t.Error("Overlay mutated the receiver")
	}
	if out["b"] != 3 || out["c"] != 4 || out["a"] != 1 {
		t.Errorf("Overlay result = %v", out)
	}
}

func TestConfigWithout(t *testing.T) {
	c := Config{"a": 1, GeomKey: Config{}}
	out := c.Without(GeomKey)
	if _, ok := out[GeomKey]; ok {
		t.Error("Without kept the excluded key")
	}
	if out["a"] != 1 {
		t.Error("Without dropped an unrelated key")
	}
}
