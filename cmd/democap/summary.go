package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/hazyhaar/democap/capture"
)

func printSummary(w io.Writer, sum *capture.Summary) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	fmt.Fprintf(w, "\n%s run %s, shard %s\n", bold("democap"), sum.RunID, sum.Shard.String())
	fmt.Fprintf(w, "  demos:    %d\n", sum.Demos)
	fmt.Fprintf(w, "  tasks:    %d of %d\n", sum.Tasks, sum.AllTasks)
	fmt.Fprintf(w, "  captured: %s\n", green(sum.Captured))
	fmt.Fprintf(w, "  skipped:  %s\n", yellow(sum.Skipped))
	if sum.Failed > 0 {
		fmt.Fprintf(w, "  failed:   %s (see %s)\n", red(sum.Failed), sum.FailureLog)
	} else {
		fmt.Fprintf(w, "  failed:   %d\n", 0)
	}
	if sum.NotRun > 0 {
		fmt.Fprintf(w, "  not run:  %s\n", yellow(sum.NotRun))
	}
	if sum.Durations.Count > 0 {
		d := sum.Durations
		fmt.Fprintf(w, "  duration: p50 %s  p95 %s  p99 %s  max %s\n",
			round(d.P50), round(d.P95), round(d.P99), round(d.Max))
	}
	if sum.Published > 0 {
		fmt.Fprintf(w, "  published: %d objects\n", sum.Published)
	}
	fmt.Fprintf(w, "  elapsed:  %s\n", round(sum.Elapsed))
}

func round(d time.Duration) time.Duration { return d.Round(time.Millisecond) }
