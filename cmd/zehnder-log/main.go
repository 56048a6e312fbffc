// Command zehnder-log views and analyzes RF protocol capture files.
//
// Capture files are written by zehnder-fan when started with -capture.
//
// Usage:
//
//	zehnder-log <command> [flags] <file.rflog>
//
// Commands:
//
//	view     View capture file in human-readable format
//	export   Export capture file to JSONL or CSV
//	filter   Filter capture file and write to new file
//	stats    Show statistics about the capture file
//
// Examples:
//
//	# View all events
//	zehnder-log view fan.rflog
//
//	# View only frames that were dropped on receive
//	zehnder-log view -dropped fan.rflog
//
//	# View only SET_VOLTAGE frames
//	zehnder-log view -command set_voltage fan.rflog
//
//	# Export to CSV
//	zehnder-log export -format csv -o fan.csv fan.rflog
//
//	# Keep one session in a new file
//	zehnder-log filter -session 4f1c2a9e-... -o session.rflog fan.rflog
//
//	# Show statistics
//	zehnder-log stats fan.rflog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zehnder-rf/zehnder-go/cmd/zehnder-log/commands"
	"github.com/zehnder-rf/zehnder-go/pkg/version"
)

const usage = `zehnder-log - RF Protocol Capture Analyzer

Usage:
  zehnder-log <command> [flags] <file.rflog>

Commands:
  view     View capture file in human-readable format
  export   Export capture file to JSONL or CSV
  filter   Filter capture file and write to new file
  stats    Show statistics about the capture file
  version  Print the version

Use "zehnder-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "version", "-version", "--version":
		fmt.Println(version.String("zehnder-log"))
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// requirePath parses the flags and returns the single file argument.
func requirePath(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func newFlagSet(name, summary string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "zehnder-log %s - %s\n\nUsage:\n  zehnder-log %s [flags] <file.rflog>\n\nFlags:\n", name, summary, name)
		fs.PrintDefaults()
	}
	return fs
}

func runView(args []string) {
	fs := newFlagSet("view", "View capture file in human-readable format")
	layer := fs.String("layer", "", "Filter by layer (radio, frame, link)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (frame, exchange, state, error)")
	command := fs.String("command", "", "Filter frames by command name or number")
	dropped := fs.Bool("dropped", false, "Show only received frames that were discarded")
	path := requirePath(fs, args)

	filter := commands.ViewFilter{DroppedOnly: *dropped}

	if *layer != "" {
		l, err := commands.ParseLayerFlag(*layer)
		if err != nil {
			fail(err)
		}
		filter.Layer = &l
	}
	if *direction != "" {
		d, err := commands.ParseDirectionFlag(*direction)
		if err != nil {
			fail(err)
		}
		filter.Direction = &d
	}
	if *category != "" {
		c, err := commands.ParseCategoryFlag(*category)
		if err != nil {
			fail(err)
		}
		filter.Category = &c
	}
	if *command != "" {
		c, err := commands.ParseCommandFlag(*command)
		if err != nil {
			fail(err)
		}
		filter.Command = &c
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := newFlagSet("export", "Export capture file to JSONL or CSV")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path := requirePath(fs, args)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := newFlagSet("filter", "Filter capture file and write to new file")
	var opts commands.FilterOptions
	fs.StringVar(&opts.Output, "o", "", "Output file (required)")
	fs.StringVar(&opts.SessionID, "session", "", "Filter by session ID")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (radio, frame, link)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (frame, exchange, state, error)")
	fs.StringVar(&opts.Command, "command", "", "Filter frames by command name or number")
	fs.BoolVar(&opts.DroppedOnly, "dropped", false, "Keep only received frames that were discarded")
	path := requirePath(fs, args)

	if opts.Output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	n, err := commands.RunFilter(path, opts)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, opts.Output)
}

func runStats(args []string) {
	fs := newFlagSet("stats", "Show statistics about the capture file")
	path := requirePath(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
