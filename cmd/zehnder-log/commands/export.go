package commands

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/zehnder-rf/zehnder-go/pkg/log"
)

// RunExport exports the log file to the specified format.
func RunExport(path, format, output string) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "jsonl":
		return exportJSONL(reader, w)
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

var csvHeader = []string{
	"timestamp", "session_id", "direction", "layer", "category",
	"network_id", "type", "src", "dst", "data", "detail",
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		eventType := "unknown"
		var src, dst, data, detail string
		switch {
		case event.Frame != nil:
			eventType = "frame"
			if event.Frame.Command != nil {
				eventType = event.Frame.Command.String()
			}
			src, dst = event.Frame.Src, event.Frame.Dst
			data = hex.EncodeToString(event.Frame.Data)
			detail = event.Frame.DropReason
		case event.Exchange != nil:
			eventType = event.Exchange.Operation
			detail = event.Exchange.Outcome.String() + "/" + strconv.Itoa(event.Exchange.Attempts)
		case event.StateChange != nil:
			eventType = "state"
			detail = event.StateChange.OldState + "->" + event.StateChange.NewState
		case event.Error != nil:
			eventType = "error"
			detail = event.Error.Message
		}

		network := ""
		if event.NetworkID != 0 {
			network = fmt.Sprintf("0x%08X", event.NetworkID)
		}

		row := []string{
			event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
			event.SessionID,
			event.Direction.String(),
			event.Layer.String(),
			event.Category.String(),
			network,
			eventType,
			src,
			dst,
			data,
			detail,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	return nil
}
