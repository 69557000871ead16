package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mwheeler-geo/parsim/internal/cluster"
	"github.com/mwheeler-geo/parsim/internal/config"
	"github.com/mwheeler-geo/parsim/internal/events"
	"github.com/mwheeler-geo/parsim/internal/fsys"
	"github.com/mwheeler-geo/parsim/internal/graph"
	"github.com/mwheeler-geo/parsim/internal/profile"
	"github.com/mwheeler-geo/parsim/internal/remote"
	"github.com/mwheeler-geo/parsim/internal/sim"
	"github.com/mwheeler-geo/parsim/internal/solver"
	"github.com/mwheeler-geo/parsim/internal/subslice"
	"github.com/mwheeler-geo/parsim/internal/telemetry"
)

// newRunCmd runs one scheduled operation end to end: fleet up, graph
// build, wait, graph dump.
func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	var sources string
	var html bool
	cmd := &cobra.Command{
		Use:   "run [entry]",
		Short: "Run a scheduled operation on the cluster",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry := "forward"
			if len(args) == 1 {
				entry = args[0]
			}
			return doRun(cmd.Context(), projectDir(), entry, sources, html, stdout, stderr)
		},
	}
	cmd.Flags().StringVar(&sources, "sources", "", "source range start:stop (default: all)")
	cmd.Flags().BoolVar(&html, "html", false, "also render the graph as HTML")
	return cmd
}

// parseSources parses a half-open "start:stop" range.
func parseSources(s string) (*subslice.Slice, error) {
	if s == "" {
		return nil, nil
	}
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("source range %q: want start:stop", s)
	}
	start, err := strconv.Atoi(lo)
	if err != nil {
		return nil, fmt.Errorf("source range %q: %w", s, err)
	}
	stop, err := strconv.Atoi(hi)
	if err != nil {
		return nil, fmt.Errorf("source range %q: %w", s, err)
	}
	return &subslice.Slice{Start: start, Stop: stop}, nil
}

// doRun drives one full invocation against an in-process fleet.
func doRun(ctx context.Context, dir, entryName, sources string, html bool, stdout, stderr io.Writer) error {
	prof := profile.At(dir)
	cfg, err := config.Load(fsys.OSFS{}, prof.ConfigPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, ok := cfg.Schedule[entryName]; !ok {
		fmt.Fprintf(stderr, "parsim run: no schedule entry %q\n", entryName) //nolint:errcheck // best-effort stderr
		return errExit
	}
	srcs, err := parseSources(sources)
	if err != nil {
		return err
	}

	release, err := prof.Lock()
	if err != nil {
		return err
	}
	defer release()

	rec, err := events.NewFileRecorder(prof.EventsPath(), stderr)
	if err != nil {
		return err
	}
	defer rec.Close() //nolint:errcheck // flushed per record

	shutdown, err := telemetry.Init(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "parsim run: telemetry disabled: %v\n", err) //nolint:errcheck // best-effort stderr
	} else {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				fmt.Fprintf(stderr, "parsim run: telemetry shutdown: %v\n", err) //nolint:errcheck // best-effort stderr
			}
		}()
	}

	client, err := cluster.Connect(cfg.Cluster.Workers, cluster.Options{})
	if err != nil {
		return err
	}
	defer client.Close()

	iface, err := remote.New(client, remote.Options{
		Profile:      cfg.Cluster.Profile,
		MPI:          cfg.Cluster.MPI,
		NThreads:     cfg.Cluster.NThreads,
		EndpointName: cfg.Cluster.Endpoint,
		Events:       rec,
		Stderr:       stderr,
	})
	if err != nil {
		return err
	}
	if err := sim.Install(iface, client, cfg); err != nil {
		return err
	}

	schedule := solver.Schedule{}
	for name, e := range cfg.Schedule {
		schedule[name] = solver.Entry{Solve: e.Solve, Clear: e.Clear, Reduce: e.Reduce}
	}
	sv := solver.New(solver.Problem{
		NSrc:            cfg.Problem.NSrc,
		ChunksPerWorker: cfg.Problem.ChunksPerWorker,
		EnsembleClear:   cfg.Problem.EnsembleClear,
	}, iface, schedule, rec)

	rec.Record(events.Event{Type: events.RunStarted, Actor: "cli", Subject: entryName})
	start := time.Now()
	g, err := sv.Build(entryName, srcs)
	if err == nil {
		err = sv.Wait(ctx, g)
	}
	elapsed := time.Since(start)
	telemetry.RecordRun(ctx, entryName, float64(elapsed.Milliseconds()), err)
	rec.Record(events.Event{
		Type:    events.RunFinished,
		Actor:   "cli",
		Subject: entryName,
		Message: fmt.Sprintf("elapsed %s", elapsed.Round(time.Millisecond)),
	})
	if g != nil {
		if derr := dumpGraph(prof, g, html); derr != nil {
			fmt.Fprintf(stderr, "parsim run: graph dump: %v\n", derr) //nolint:errcheck // best-effort stderr
		}
	}
	if err != nil {
		return fmt.Errorf("running %q: %w", entryName, err)
	}

	mode := "star"
	if iface.UseMPI() {
		mode = "collective"
	}
	fmt.Fprintf(stdout, "entry %s: %d workers (%s transport), %d graph nodes, %s\n", //nolint:errcheck // best-effort stdout
		entryName, iface.NWorkers(), mode, g.Len(), elapsed.Round(time.Millisecond))
	fmt.Fprintf(stdout, "graph written to %s\n", prof.GraphJSONPath()) //nolint:errcheck // best-effort stdout
	return nil
}

// dumpGraph writes the node-link projection (and optionally HTML) into
// the profile directory.
func dumpGraph(prof *profile.Profile, g *graph.Graph, html bool) error {
	if err := prof.Ensure(); err != nil {
		return err
	}
	data, err := g.NodeLinkJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(prof.GraphJSONPath(), data, 0o644); err != nil {
		return err
	}
	if !html {
		return nil
	}
	f, err := os.Create(prof.GraphHTMLPath())
	if err != nil {
		return err
	}
	if err := g.WriteHTML(f); err != nil {
		f.Close() //nolint:errcheck // write error takes precedence
		return err
	}
	return f.Close()
}
