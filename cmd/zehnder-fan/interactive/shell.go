// Package interactive provides the interactive command-line interface
// for zehnder-fan.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/zehnder-rf/zehnder-go/pkg/controller"
	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/health"
	"github.com/zehnder-rf/zehnder-go/pkg/history"
	"github.com/zehnder-rf/zehnder-go/pkg/protocol"
)

// Fan is the controller surface the shell drives.
type Fan interface {
	SetSpeed(ctx context.Context, level int) error
	SetTimedOverride(ctx context.Context, level, minutes int) error
	ResetToAuto(ctx context.Context) error
	SetPreset(ctx context.Context, preset frame.Preset) error
	Refresh(ctx context.Context) error
	Pair(ctx context.Context) (protocol.DeviceAddress, error)
	Unpair(ctx context.Context) error
	CurrentStatus() controller.Status
	Health() health.View
	SessionID() string
}

// History is the status history the shell can show. It may be nil.
type History interface {
	Recent(limit int) ([]history.Sample, error)
	Stats(from, to time.Time) (history.Stats, error)
}

// PairTimeout bounds the pair command.
const PairTimeout = 60 * time.Second

// Shell handles interactive mode for zehnder-fan.
type Shell struct {
	fan     Fan
	history History
	rl      *readline.Instance
	out     io.Writer
	timeNow func() time.Time
}

// New creates a shell reading from the terminal.
func New(fan Fan, hist History) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "fan> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s := newShell(fan, hist, rl.Stdout())
	s.rl = rl
	return s, nil
}

func newShell(fan Fan, hist History, out io.Writer) *Shell {
	return &Shell{fan: fan, history: hist, out: out, timeNow: time.Now}
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("speed"),
		readline.PcItem("override"),
		readline.PcItem("auto"),
		readline.PcItem("preset",
			readline.PcItem("auto"),
			readline.PcItem("low"),
			readline.PcItem("medium"),
			readline.PcItem("high"),
			readline.PcItem("max"),
		),
		readline.PcItem("status"),
		readline.PcItem("refresh"),
		readline.PcItem("health"),
		readline.PcItem("pair"),
		readline.PcItem("unpair"),
		readline.PcItem("history", readline.PcItem("stats")),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (s *Shell) Stdout() io.Writer {
	return s.out
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if s.Execute(ctx, line) {
			cancel()
			return
		}
	}
}

// Execute runs one command line and reports whether the shell should exit.
func (s *Shell) Execute(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "speed", "s":
		s.cmdSpeed(ctx, args)
	case "override", "o":
		s.cmdOverride(ctx, args)
	case "auto":
		s.report(s.fan.ResetToAuto(ctx), "Automatic mode restored")
	case "preset", "p":
		s.cmdPreset(ctx, args)
	case "status", "st":
		s.cmdStatus()
	case "refresh", "r":
		s.report(s.fan.Refresh(ctx), "")
		if ctx.Err() == nil {
			s.cmdStatus()
		}
	case "health":
		s.cmdHealth()
	case "pair":
		s.cmdPair(ctx)
	case "unpair":
		s.report(s.fan.Unpair(ctx), "Pairing removed")
	case "history", "h":
		s.cmdHistory(args)
	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
Fan Commands:
  Control:
    speed <0-100>              - Set the standing airflow level
    override <0-100> <minutes> - Run at a level for 1-255 minutes (0 = auto)
    auto                       - Clear overrides, return to automatic mode
    preset <name>              - Select auto, low, medium, high or max

  Status:
    status                     - Show the last known status
    refresh                    - Query the unit now
    health                     - Show link health
    history [n]                - Show the last n status changes (default 20)
    history stats [hours]      - Summarize the last hours (default 24)

  Link:
    pair                       - Join a unit in pairing mode
    unpair                     - Forget the paired unit

  General:
    help                       - Show this help
    quit                       - Exit`)
}

// report prints the outcome of a command.
func (s *Shell) report(err error, ok string) {
	switch {
	case err == nil:
		if ok != "" {
			fmt.Fprintln(s.out, ok)
		}
	case errors.Is(err, controller.ErrNotPaired):
		fmt.Fprintln(s.out, "Not paired (use 'pair' while the unit is in pairing mode)")
	case errors.Is(err, controller.ErrBusy):
		fmt.Fprintln(s.out, "Busy, try again")
	case errors.Is(err, controller.ErrTimeout):
		fmt.Fprintf(s.out, "No reply from fan unit: %v\n", err)
	default:
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
}

func (s *Shell) cmdSpeed(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: speed <0-100>")
		return
	}
	level, err := strconv.Atoi(strings.TrimSuffix(args[0], "%"))
	if err != nil {
		fmt.Fprintf(s.out, "Invalid level: %s\n", args[0])
		return
	}
	s.report(s.fan.SetSpeed(ctx, level), fmt.Sprintf("Speed set to %d%%", level))
}

func (s *Shell) cmdOverride(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "Usage: override <0-100> <minutes>")
		return
	}
	level, err := strconv.Atoi(strings.TrimSuffix(args[0], "%"))
	if err != nil {
		fmt.Fprintf(s.out, "Invalid level: %s\n", args[0])
		return
	}
	minutes, err := strconv.Atoi(strings.TrimSuffix(args[1], "m"))
	if err != nil {
		fmt.Fprintf(s.out, "Invalid minutes: %s\n", args[1])
		return
	}
	msg := fmt.Sprintf("Override at %d%% for %d minutes", level, minutes)
	if minutes == 0 {
		msg = "Automatic mode restored"
	}
	s.report(s.fan.SetTimedOverride(ctx, level, minutes), msg)
}

// ParsePreset parses a preset name.
func ParsePreset(name string) (frame.Preset, error) {
	switch strings.ToLower(name) {
	case "auto":
		return frame.PresetAuto, nil
	case "low", "1":
		return frame.PresetLow, nil
	case "medium", "med", "2":
		return frame.PresetMedium, nil
	case "high", "3":
		return frame.PresetHigh, nil
	case "max", "4":
		return frame.PresetMax, nil
	default:
		return 0, fmt.Errorf("unknown preset %q (use auto, low, medium, high, max)", name)
	}
}

func (s *Shell) cmdPreset(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: preset <auto|low|medium|high|max>")
		return
	}
	p, err := ParsePreset(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	s.report(s.fan.SetPreset(ctx, p), "Preset set to "+p.String())
}

func (s *Shell) cmdStatus() {
	st := s.fan.CurrentStatus()

	fmt.Fprintln(s.out, "\nFan Status:")
	fmt.Fprintln(s.out, "-------------------------------------------")
	fmt.Fprintf(s.out, "  Link:      %s", st.Link)
	if !st.Healthy {
		fmt.Fprint(s.out, " (unhealthy)")
	}
	fmt.Fprintln(s.out)
	if st.Address.Valid() {
		fmt.Fprintf(s.out, "  Address:   %s\n", st.Address)
	}
	if !st.Reported {
		fmt.Fprintln(s.out, "  Speed:     unknown")
		return
	}
	fmt.Fprintf(s.out, "  Speed:     %d%%\n", st.Speed)
	fmt.Fprintf(s.out, "  Preset:    %s\n", st.Preset)
	if st.Setting > 0 {
		fmt.Fprintf(s.out, "  Setting:   %d%%\n", st.Setting)
	}
	if st.Overridden() {
		fmt.Fprintf(s.out, "  Override:  %d min remaining\n", st.OverrideRemaining)
	}
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(s.out, "  Updated:   %s\n", st.UpdatedAt.Format(time.TimeOnly))
	}
}

func (s *Shell) cmdHealth() {
	h := s.fan.Health()
	fmt.Fprintf(s.out, "State:        %s\n", h.State())
	fmt.Fprintf(s.out, "Healthy:      %t\n", h.Healthy())
	fmt.Fprintf(s.out, "Failures:     %d\n", h.Failures())
	if last := h.LastSuccess(); !last.IsZero() {
		fmt.Fprintf(s.out, "Last success: %s (%s ago)\n", last.Format(time.TimeOnly),
			s.timeNow().Sub(last).Round(time.Second))
	} else {
		fmt.Fprintln(s.out, "Last success: never")
	}
	if id := s.fan.SessionID(); id != "" {
		fmt.Fprintf(s.out, "Session:      %s\n", id)
	}
}

func (s *Shell) cmdPair(ctx context.Context) {
	fmt.Fprintln(s.out, "Pairing, put the unit into pairing mode...")
	pctx, cancel := context.WithTimeout(ctx, PairTimeout)
	defer cancel()
	addr, err := s.fan.Pair(pctx)
	if err != nil {
		s.report(err, "")
		return
	}
	fmt.Fprintf(s.out, "Paired: %s\n", addr)
}

func (s *Shell) cmdHistory(args []string) {
	if s.history == nil {
		fmt.Fprintln(s.out, "History is not enabled (start with -history <file>)")
		return
	}

	if len(args) > 0 && args[0] == "stats" {
		hours := 24
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				fmt.Fprintf(s.out, "Invalid hours: %s\n", args[1])
				return
			}
			hours = n
		}
		s.cmdHistoryStats(time.Duration(hours) * time.Hour)
		return
	}

	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintf(s.out, "Invalid count: %s\n", args[0])
			return
		}
		limit = n
	}

	samples, err := s.history.Recent(limit)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	if len(samples) == 0 {
		fmt.Fprintln(s.out, "No history recorded")
		return
	}
	// Oldest first reads naturally in a terminal.
	for i := len(samples) - 1; i >= 0; i-- {
		fmt.Fprintf(s.out, "  %s\n", samples[i])
	}
}

func (s *Shell) cmdHistoryStats(window time.Duration) {
	now := s.timeNow()
	st, err := s.history.Stats(now.Add(-window), now)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Last %s:\n", window)
	fmt.Fprintf(s.out, "  Samples:       %d\n", st.Count)
	if st.Count == 0 {
		return
	}
	fmt.Fprintf(s.out, "  Linked/Lost:   %d/%d\n", st.LinkedCount, st.LostCount)
	fmt.Fprintf(s.out, "  Average speed: %.1f%%\n", st.AverageSpeed)
	fmt.Fprintf(s.out, "  Max speed:     %d%%\n", st.MaxSpeed)
}
