package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger at debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session", event.SessionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.NetworkID != 0 {
		attrs = append(attrs, slog.Uint64("network_id", uint64(event.NetworkID)))
	}
	if event.Peer != "" {
		attrs = append(attrs, slog.String("peer", event.Peer))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs, slog.Int("frame_size", event.Frame.Size))
		if event.Frame.Command != nil {
			attrs = append(attrs,
				slog.String("command", event.Frame.Command.String()),
				slog.String("src", event.Frame.Src),
				slog.String("dst", event.Frame.Dst),
			)
		}
		if event.Frame.Dropped {
			attrs = append(attrs, slog.String("dropped", event.Frame.DropReason))
		}
	case event.Exchange != nil:
		attrs = append(attrs,
			slog.String("operation", event.Exchange.Operation),
			slog.Int("attempts", event.Exchange.Attempts),
			slog.Duration("duration", event.Exchange.Duration),
			slog.String("outcome", event.Exchange.Outcome.String()),
		)
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "rf", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
