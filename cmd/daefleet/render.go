package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"

	"github.com/daefleet/daefleet/internal/eventstore"
	"github.com/daefleet/daefleet/internal/models"
)

func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

func newTable(out io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	if stdoutIsTTY() {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleDefault)
	}
	return tw
}

func renderDashboard(out io.Writer, workers []workerView) {
	tw := newTable(out)
	tw.AppendHeader(table.Row{"DAE", "NAME", "DOMAIN", "STATE", "ENABLED", "PID", "LAST HEARTBEAT", "EVENTS"})
	for _, w := range workers {
		tw.AppendRow(table.Row{
			w.DAEID, w.Name, w.Domain, w.State,
			formatEnabled(w.Enabled),
			formatPID(w.PID),
			formatTimestamp(w.LastHeartbeat),
			w.EventCount,
		})
	}
	tw.Render()
}

func renderEvents(out io.Writer, events []models.DAEEvent) {
	tw := newTable(out)
	tw.AppendHeader(table.Row{"SEQ", "TYPE", "DAE", "ACTOR", "TIMESTAMP"})
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.SequenceID, string(ev.EventType), ev.DAEID, ev.ActorID, formatTimestamp(ev.Timestamp)})
	}
	tw.Render()
}

func renderStats(out io.Writer, stats eventstore.Stats) {
	tw := newTable(out)
	tw.AppendHeader(table.Row{"EVENT TYPE", "COUNT"})
	types := make([]string, 0, len(stats.EventsByType))
	for kind := range stats.EventsByType {
		types = append(types, string(kind))
	}
	sort.Strings(types)
	for _, kind := range types {
		tw.AppendRow(table.Row{kind, stats.EventsByType[models.DAEEventType(kind)]})
	}
	tw.AppendFooter(table.Row{"TOTAL", stats.TotalEvents})
	tw.Render()
	fmt.Fprintf(out, "max sequence id: %d\n", stats.MaxSequenceID)
}

func printStatus(ok bool, msg string) {
	if !stdoutIsTTY() {
		fmt.Println(msg)
		return
	}
	if ok {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s\n", green("✓"), msg)
	} else {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s %s\n", yellow("⚠"), msg)
	}
}

func formatEnabled(enabled bool) string {
	if enabled {
		return "yes"
	}
	return "no"
}

func formatPID(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}
