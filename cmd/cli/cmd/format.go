package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"taskqueue/internal/store"
	"taskqueue/pkg/api"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func stateIcon(state string) string {
	switch state {
	case string(store.StateDone):
		return colorGreen + "✓" + colorReset
	case string(store.StateCancelled):
		return colorRed + "✗" + colorReset
	case string(store.StatePending):
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeState(state string) string {
	icon := stateIcon(state)
	switch state {
	case string(store.StateDone):
		return icon + " " + colorGreen + state + colorReset
	case string(store.StateCancelled):
		return icon + " " + colorRed + state + colorReset
	case string(store.StatePending):
		return icon + " " + colorYellow + state + colorReset
	default:
		return state
	}
}

// pipelineOf extracts the pipeline name from embedded task archetype content.
func pipelineOf(inst api.TaskInstance) string {
	var tc store.TaskContent
	if err := json.Unmarshal(inst.TaskArchetypeContent, &tc); err != nil || tc.Pipeline == "" {
		return "-"
	}
	return tc.Pipeline
}

// printQueue renders pending instances in queue order, numbered from 0.
func printQueue(out io.Writer, instances []api.TaskInstance) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tID\tPIPELINE\tJOBS LEFT\tBUILD\tTASK\tSUBMITTED")
	for i, inst := range instances {
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%d\t%s ago\n",
			i,
			inst.ID,
			pipelineOf(inst),
			inst.NumJobsRemaining,
			inst.BuildArchetypeID,
			inst.TaskArchetypeID,
			relativeTime(inst.CreatedAt),
		)
	}
	w.Flush()
}

// printHistory renders finished instances, most recent first.
func printHistory(out io.Writer, instances []api.TaskInstance) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tPIPELINE\tJOBS LEFT\tRERUN OF\tUPDATED")
	for _, inst := range instances {
		rerunOf := "-"
		if inst.RerunOf != nil {
			rerunOf = strconv.FormatInt(*inst.RerunOf, 10)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s ago\n",
			inst.ID,
			colorizeState(inst.State),
			pipelineOf(inst),
			inst.NumJobsRemaining,
			rerunOf,
			relativeTime(inst.UpdatedAt),
		)
	}
	w.Flush()
}

// printInstance prints one instance as a detail block.
func printInstance(out io.Writer, inst api.TaskInstance) {
	fmt.Fprintf(out, "%s %sTask Instance %d%s\n", stateIcon(inst.State), colorBold, inst.ID, colorReset)
	fmt.Fprintln(out, "──────────────────────────────")
	fmt.Fprintf(out, "%sState:%s       %s\n", colorDim, colorReset, colorizeState(inst.State))
	fmt.Fprintf(out, "%sPipeline:%s    %s\n", colorDim, colorReset, pipelineOf(inst))
	fmt.Fprintf(out, "%sJobs Left:%s   %d\n", colorDim, colorReset, inst.NumJobsRemaining)
	fmt.Fprintf(out, "%sArchetypes:%s  build %d, task %d\n", colorDim, colorReset, inst.BuildArchetypeID, inst.TaskArchetypeID)
	if inst.RerunOf != nil {
		fmt.Fprintf(out, "%sRerun Of:%s    %d\n", colorDim, colorReset, *inst.RerunOf)
	}
	fmt.Fprintf(out, "%sSubmitted:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(inst.CreatedAt))
}

func formatTimeWithRelative(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relativeTime(t), colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}
