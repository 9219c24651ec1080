package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/daefleet/daefleet/internal/buildinfo"
	"github.com/daefleet/daefleet/internal/config"
	"github.com/daefleet/daefleet/internal/eventstore"
	"github.com/daefleet/daefleet/internal/models"
)

const usageText = `daefleet inspects a daefleetd data directory.

Usage:
  daefleet --version
  daefleet [--data-dir PATH] [--json] dashboard
  daefleet [--data-dir PATH] [--json] events [--type TYPE] [--dae ID] [--since SEQ] [--limit N]
  daefleet [--data-dir PATH] [--json] stats
  daefleet [--data-dir PATH] verify

Global Flags:
  --data-dir PATH  Event store directory (default /var/lib/daefleet/events)
  --json           Output json
`

type globalOptions struct {
	dataDir     string
	jsonOutput  bool
	showVersion bool
}

func main() {
	opts, args, err := parseGlobal(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(buildinfo.String())
		return
	}
	if len(args) == 0 || isHelpToken(args[0]) {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := dispatch(ctx, args, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	opts := globalOptions{dataDir: config.DefaultConfig().EventStoreDir}
	fs := flag.NewFlagSet("daefleet", flag.ContinueOnError)
	fs.Usage = printUsage
	fs.StringVar(&opts.dataDir, "data-dir", opts.dataDir, "event store directory")
	fs.BoolVar(&opts.jsonOutput, "json", false, "output json")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	return opts, fs.Args(), nil
}

func isHelpToken(token string) bool {
	switch strings.ToLower(token) {
	case "help", "-h", "--help":
		return true
	}
	return false
}

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

func dispatch(ctx context.Context, args []string, opts globalOptions) error {
	store, err := eventstore.OpenReadOnly(opts.dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "dashboard":
		return runDashboard(ctx, store, opts)
	case "events":
		return runEvents(ctx, store, opts, args[1:])
	case "stats":
		return runStats(ctx, store, opts)
	case "verify":
		return runVerify(ctx, store)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runDashboard(ctx context.Context, store *eventstore.Store, opts globalOptions) error {
	events, err := loadAllEvents(ctx, store)
	if err != nil {
		return err
	}
	proj := newProjection()
	proj.replay(events)
	if opts.jsonOutput {
		return printJSON(proj.workers())
	}
	renderDashboard(os.Stdout, proj.workers())
	return nil
}

func runEvents(ctx context.Context, store *eventstore.Store, opts globalOptions, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	var eventType, daeID string
	var since int64
	var limit int
	fs.StringVar(&eventType, "type", "", "filter by event type")
	fs.StringVar(&daeID, "dae", "", "filter by dae id")
	fs.Int64Var(&since, "since", 0, "only events after this sequence id")
	fs.IntVar(&limit, "limit", 50, "maximum events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	events, err := store.Query(ctx, eventstore.QueryOptions{
		EventType:     models.DAEEventType(eventType),
		DAEID:         daeID,
		SinceSequence: since,
		Limit:         limit,
	})
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(events)
	}
	renderEvents(os.Stdout, events)
	return nil
}

func runStats(ctx context.Context, store *eventstore.Store, opts globalOptions) error {
	stats, err := store.GetStats(ctx)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(stats)
	}
	renderStats(os.Stdout, stats)
	return nil
}

func runVerify(ctx context.Context, store *eventstore.Store) error {
	ok, msg := store.VerifyParity(ctx)
	printStatus(ok, msg)
	if !ok {
		return errors.New("parity check failed")
	}
	return nil
}

func loadAllEvents(ctx context.Context, store *eventstore.Store) ([]models.DAEEvent, error) {
	const page = 500
	var all []models.DAEEvent
	var since int64
	for {
		batch, err := store.Query(ctx, eventstore.QueryOptions{SinceSequence: since, Limit: page})
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < page {
			return all, nil
		}
		since = batch[len(batch)-1].SequenceID
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
