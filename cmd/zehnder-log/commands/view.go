// Package commands implements the zehnder-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/log"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer       *log.Layer
	Direction   *log.Direction
	Category    *log.Category
	Command     *frame.Command
	DroppedOnly bool
}

func (f ViewFilter) logFilter() log.Filter {
	return log.Filter{
		Layer:       f.Layer,
		Direction:   f.Direction,
		Category:    f.Category,
		Command:     f.Command,
		DroppedOnly: f.DroppedOnly,
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [session] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")

	var typeLabel string
	switch {
	case event.Frame != nil:
		typeLabel = "Frame"
		if event.Frame.Command != nil {
			typeLabel = event.Frame.Command.String()
		}
	case event.Exchange != nil:
		typeLabel = event.Exchange.Operation
	case event.StateChange != nil:
		typeLabel = "State"
	case event.Error != nil:
		typeLabel = "Error"
	default:
		typeLabel = "Unknown"
	}

	dir := event.Direction.String()
	if event.Frame == nil {
		dir = "-"
	}
	fmt.Fprintf(w, "%s [%s] %-3s %s %s\n", ts, shortenSessionID(event.SessionID), dir, event.Layer, typeLabel)
	if event.NetworkID != 0 {
		fmt.Fprintf(w, "  Network: 0x%08X", event.NetworkID)
		if event.Peer != "" {
			fmt.Fprintf(w, "  Peer: %s", event.Peer)
		}
		fmt.Fprintln(w)
	}

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Exchange != nil:
		formatExchangeDetails(w, event.Exchange)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// shortenSessionID returns the first 8 characters of the session ID.
func shortenSessionID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatFrameDetails(w io.Writer, fe *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", fe.Size)
	if len(fe.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s\n", hex.EncodeToString(fe.Data))
	}
	if fe.Command != nil {
		fmt.Fprintf(w, "  %s -> %s", fe.Src, fe.Dst)
		if len(fe.Params) > 0 {
			fmt.Fprintf(w, "  Params: %s", hex.EncodeToString(fe.Params))
		}
		fmt.Fprintln(w)
	}
	if fe.Dropped {
		fmt.Fprintf(w, "  Dropped: %s\n", fe.DropReason)
	}
}

func formatExchangeDetails(w io.Writer, ex *log.ExchangeEvent) {
	fmt.Fprintf(w, "  Outcome: %s after %d attempt(s) in %s\n", ex.Outcome, ex.Attempts, formatDuration(ex.Duration))
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatErrorDetails(w io.Writer, e *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", e.Layer)
	fmt.Fprintf(w, "  Message: %s\n", e.Message)
	if e.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", e.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayerFlag parses a layer string from command-line flag (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "radio":
		return log.LayerRadio, nil
	case "frame":
		return log.LayerFrame, nil
	case "link":
		return log.LayerLink, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be radio, frame, or link)", s)
	}
}

// ParseDirectionFlag parses a direction string from command-line flag (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category string from command-line flag (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "frame":
		return log.CategoryFrame, nil
	case "exchange":
		return log.CategoryExchange, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be frame, exchange, state, or error)", s)
	}
}

// ParseCommandFlag parses a frame command by name (SET_VOLTAGE, set-voltage)
// or number (0x01, 1).
func ParseCommandFlag(s string) (frame.Command, error) {
	name := strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
	for c := 0; c <= 0xFF; c++ {
		cmd := frame.Command(c)
		if cmd.String() == name {
			return cmd, nil
		}
	}
	var n uint8
	if _, err := fmt.Sscan(s, &n); err == nil {
		return frame.Command(n), nil
	}
	return 0, fmt.Errorf("invalid command: %s", s)
}

// RunView executes the view command.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter.logFilter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
	return nil
}
