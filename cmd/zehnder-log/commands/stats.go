package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	FramesByCommand   map[frame.Command]int
	Dropped           int
	Exchanges         map[string]*ExchangeStats
	Sessions          map[string]*SessionStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ExchangeStats holds the outcomes of one exchange operation.
type ExchangeStats struct {
	Count         int
	Outcomes      map[log.Outcome]int
	Attempts      int
	TotalDuration time.Duration
}

// AverageDuration returns the mean exchange duration.
func (e *ExchangeStats) AverageDuration() time.Duration {
	if e.Count == 0 {
		return 0
	}
	return e.TotalDuration / time.Duration(e.Count)
}

// SessionStats holds statistics for a single controller session.
type SessionStats struct {
	FirstSeen   time.Time
	LastSeen    time.Time
	Events      int
	Peer        string
	StateChange int
}

// CollectStats reads the whole log file.
func CollectStats(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		FramesByCommand:   make(map[frame.Command]int),
		Exchanges:         make(map[string]*ExchangeStats),
		Sessions:          make(map[string]*SessionStats),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}
	return stats, nil
}

func (stats *Stats) add(event log.Event) {
	stats.TotalEvents++
	stats.EventsByLayer[event.Layer]++
	stats.EventsByCategory[event.Category]++

	if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
		stats.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(stats.TimeRange.End) {
		stats.TimeRange.End = event.Timestamp
	}

	sess, ok := stats.Sessions[event.SessionID]
	if !ok {
		sess = &SessionStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		stats.Sessions[event.SessionID] = sess
	}
	sess.Events++
	if event.Timestamp.After(sess.LastSeen) {
		sess.LastSeen = event.Timestamp
	}
	if event.Peer != "" {
		sess.Peer = event.Peer
	}

	switch {
	case event.Frame != nil:
		stats.EventsByDirection[event.Direction]++
		if event.Frame.Command != nil {
			stats.FramesByCommand[*event.Frame.Command]++
		}
		if event.Frame.Dropped {
			stats.Dropped++
		}
	case event.Exchange != nil:
		ex, ok := stats.Exchanges[event.Exchange.Operation]
		if !ok {
			ex = &ExchangeStats{Outcomes: make(map[log.Outcome]int)}
			stats.Exchanges[event.Exchange.Operation] = ex
		}
		ex.Count++
		ex.Outcomes[event.Exchange.Outcome]++
		ex.Attempts += event.Exchange.Attempts
		ex.TotalDuration += event.Exchange.Duration
	case event.StateChange != nil:
		sess.StateChange++
	case event.Error != nil:
		stats.Errors++
	}
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := CollectStats(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== RF Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerRadio, log.LayerFrame, log.LayerLink} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryFrame, log.CategoryExchange, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Frames by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	if stats.Dropped > 0 {
		fmt.Fprintf(w, "  %-12s %d\n", "DROPPED:", stats.Dropped)
	}
	fmt.Fprintln(w)

	if len(stats.FramesByCommand) > 0 {
		fmt.Fprintln(w, "Frames by Command:")
		cmds := make([]frame.Command, 0, len(stats.FramesByCommand))
		for c := range stats.FramesByCommand {
			cmds = append(cmds, c)
		}
		sort.Slice(cmds, func(i, j int) bool { return cmds[i] < cmds[j] })
		for _, c := range cmds {
			fmt.Fprintf(w, "  %-20s %d\n", c.String()+":", stats.FramesByCommand[c])
		}
		fmt.Fprintln(w)
	}

	if len(stats.Exchanges) > 0 {
		fmt.Fprintln(w, "Exchanges:")
		ops := make([]string, 0, len(stats.Exchanges))
		for op := range stats.Exchanges {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			ex := stats.Exchanges[op]
			fmt.Fprintf(w, "  %-14s %d total, %d ok, %d timeout, avg %s, %d attempts\n",
				op+":", ex.Count, ex.Outcomes[log.OutcomeSuccess], ex.Outcomes[log.OutcomeTimeout],
				formatDuration(ex.AverageDuration()), ex.Attempts)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Sessions: %d\n", len(stats.Sessions))
	if len(stats.Sessions) > 0 {
		type sessionInfo struct {
			id    string
			stats *SessionStats
		}
		sessions := make([]sessionInfo, 0, len(stats.Sessions))
		for id, ss := range stats.Sessions {
			sessions = append(sessions, sessionInfo{id, ss})
		}
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].stats.FirstSeen.Before(sessions[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, s := range sessions {
			duration := s.stats.LastSeen.Sub(s.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortenSessionID(s.id), s.stats.Events, duration)
			if s.stats.Peer != "" {
				fmt.Fprintf(w, "           Peer: %s\n", s.stats.Peer)
			}
			if s.stats.StateChange > 0 {
				fmt.Fprintf(w, "           State changes: %d\n", s.stats.StateChange)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
