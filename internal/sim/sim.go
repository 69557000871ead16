// Package sim provides the built-in reference simulation the CLI runs:
// a synthetic point-source kernel standing in for the external physics
// solver. It wires factories, field specs, and solve/clear functions
// into every worker's endpoint and distributes one subproblem per
// frequency round-robin across the fleet.
package sim

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mwheeler-geo/parsim/internal/cluster"
	"github.com/mwheeler-geo/parsim/internal/config"
	"github.com/mwheeler-geo/parsim/internal/endpoint"
	"github.com/mwheeler-geo/parsim/internal/fields"
	"github.com/mwheeler-geo/parsim/internal/remote"
	"github.com/mwheeler-geo/parsim/internal/subslice"
)

// NRec is the receiver count of the synthetic survey.
const NRec = 8

// FieldU is the field name the forward kernel writes.
const FieldU = "u"

// problem is the synthetic subproblem: it needs a survey before
// solving, like the real solver contract demands.
type problem struct {
	freq   float64
	survey any
}

func (p *problem) Pair(survey any) error {
	if survey == nil {
		return fmt.Errorf("sim: pairing with nil survey")
	}
	p.survey = survey
	return nil
}

// kernel evaluates the synthetic harmonic response of one
// source-receiver pair at one frequency.
func kernel(freq float64, isrc, irec int) complex128 {
	dist := 1 + math.Abs(float64(isrc-irec))
	phase := 2 * math.Pi * freq * dist / 50
	return cmplx.Rect(1/dist, phase)
}

// Install configures every worker's endpoint for the synthetic problem
// and distributes subproblem tags round-robin by frequency index: tag
// (i, 0) lands on rank i mod nworkers.
func Install(iface *remote.Interface, client *cluster.Client, cfg *config.Config) error {
	if err := iface.InstallEndpoints(endpoint.New); err != nil {
		return err
	}
	nsrc := cfg.Problem.NSrc
	freqs := cfg.Problem.Freqs
	if len(freqs) == 0 {
		freqs = []float64{1.0}
	}
	nworkers := client.Size()
	epName := iface.EndpointName()

	return client.DirectView().Execute(func(w *cluster.Worker) (any, error) {
		rank := w.Rank()
		ep, err := remote.Endpoint(w, epName)
		if err != nil {
			return nil, err
		}
		ep.BaseSystemConfig = endpoint.Config{
			endpoint.GeomKey: endpoint.Config{"nrec": NRec, "spacing": 25.0},
			"nsrc":           nsrc,
		}
		ep.SurveyFactory = func(geom endpoint.Config) (any, error) { return geom, nil }
		ep.ProblemFactory = func(systemConfig endpoint.Config) (endpoint.Problem, error) {
			freq, _ := systemConfig["freq"].(float64)
			return &problem{freq: freq}, nil
		}
		ep.FieldSpec = endpoint.FieldSpec{
			FieldU: func() fields.Container { return fields.Zeros(nsrc, NRec) },
		}
		ep.Functions["forward"] = endpoint.SolveFunc(solve)
		ep.Functions["release"] = endpoint.ClearFunc(release)
		if err := ep.SetupLocalFields(); err != nil {
			return nil, err
		}

		for i, freq := range freqs {
			if i%nworkers != rank {
				continue
			}
			if err := ep.SetupLocalSurveys(map[int]endpoint.Config{i: {"freq": freq}}); err != nil {
				return nil, err
			}
			sub := endpoint.SubConfig{
				ISub:      i,
				Tag:       endpoint.Tag{Freq: i, Param: 0},
				Overrides: endpoint.Config{"freq": freq},
			}
			if err := ep.SetupLocalProblem(sub); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

// solve accumulates the synthetic response for one tag over one source
// sub-slice into the local u field.
func solve(ep *endpoint.Endpoint, tag endpoint.Tag, src subslice.Slice) error {
	p, ok := ep.LocalProblems[tag].(*problem)
	if !ok {
		return fmt.Errorf("sim: tag (%s) has no local subproblem", tag)
	}
	if p.survey == nil {
		return fmt.Errorf("sim: subproblem (%s) not paired", tag)
	}
	u, ok := ep.LocalFields[FieldU].(*fields.Dense)
	if !ok {
		return fmt.Errorf("sim: local field %q not set up", FieldU)
	}
	for isrc := src.Start; isrc < src.Stop; isrc++ {
		for irec := 0; irec < NRec; irec++ {
			u.Set(u.At(isrc, irec)+kernel(p.freq, isrc, irec), isrc, irec)
		}
	}
	return nil
}

// release drops per-tag solver state after the tag's computes finish.
// The synthetic problem keeps only its survey pairing, so this is a
// bookkeeping check.
func release(ep *endpoint.Endpoint, tag endpoint.Tag) error {
	if _, ok := ep.LocalProblems[tag]; !ok {
		return fmt.Errorf("sim: release for unknown tag (%s)", tag)
	}
	return nil
}
