package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mwheeler-geo/parsim/internal/events"
	"github.com/mwheeler-geo/parsim/internal/profile"
)

// newEventsCmd lists or follows the profile's event log.
func newEventsCmd(stdout, stderr io.Writer) *cobra.Command {
	var typeFilter string
	var follow bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded cluster events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doEvents(cmd.Context(), projectDir(), typeFilter, follow, stdout, stderr)
		},
	}
	cmd.Flags().StringVar(&typeFilter, "type", "", "only show events of this type")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream new events until interrupted")
	return cmd
}

// printEvent renders one event line.
func printEvent(w io.Writer, e events.Event) {
	fmt.Fprintf(w, "%s  %-20s %-8s %s", e.Ts.Format("15:04:05"), e.Type, e.Actor, e.Subject) //nolint:errcheck // best-effort stdout
	if e.Message != "" {
		fmt.Fprintf(w, "  (%s)", e.Message) //nolint:errcheck // best-effort stdout
	}
	fmt.Fprintln(w) //nolint:errcheck // best-effort stdout
}

// doEvents lists matching events, optionally tailing the log.
func doEvents(ctx context.Context, dir, typeFilter string, follow bool, stdout, stderr io.Writer) error {
	prof := profile.At(dir)
	listed, err := events.ReadFiltered(prof.EventsPath(), events.Filter{Type: typeFilter})
	if err != nil {
		return err
	}
	for _, e := range listed {
		printEvent(stdout, e)
	}
	if !follow {
		return nil
	}

	rec, err := events.NewFileRecorder(prof.EventsPath(), stderr)
	if err != nil {
		return err
	}
	defer rec.Close() //nolint:errcheck // read-mostly handle

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var after uint64
	if len(listed) > 0 {
		after = listed[len(listed)-1].Seq
	}
	w, err := rec.Watch(ctx, after)
	if err != nil {
		return err
	}
	defer w.Close() //nolint:errcheck // watcher cleanup
	for {
		e, err := w.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil // interrupted: clean exit
			}
			return err
		}
		if typeFilter == "" || e.Type == typeFilter {
			printEvent(stdout, e)
		}
	}
}
