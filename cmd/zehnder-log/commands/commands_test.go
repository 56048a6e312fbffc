package commands

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/log"
)

const testSession = "4f1c2a9e-0d3b-4c55-9a7e-1b2c3d4e5f60"

var testStart = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test"+log.FileExtension)

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()
	return path
}

// sampleEvents is a SET_VOLTAGE exchange that needed a retry, with one
// foreign frame dropped on the way.
func sampleEvents() []log.Event {
	self := frame.Endpoint{Type: frame.TypeRemoteControl, ID: 0x42}
	unit := frame.Endpoint{Type: frame.TypeMainUnit, ID: 0x9C}
	codec := frame.Codec{Integrity: frame.IntegrityHardware}

	tx := frame.NewSetVoltage(self, unit, 60)
	rx := frame.NewFanSettings(unit, self, frame.Settings{Voltage: 60})
	foreign := frame.NewFanSettings(unit, frame.Endpoint{Type: frame.TypeRemoteControl, ID: 0x07}, frame.Settings{Voltage: 30})

	base := log.Event{SessionID: testSession, NetworkID: 0x3A7C19E5, Peer: unit.String()}
	at := func(ms int) log.Event {
		e := base
		e.Timestamp = testStart.Add(time.Duration(ms) * time.Millisecond)
		return e
	}

	var events []log.Event

	e := at(0)
	e.Direction, e.Layer, e.Category = log.DirectionOut, log.LayerFrame, log.CategoryFrame
	e.Frame = log.NewFrameEvent(codec.Encode(tx), tx)
	events = append(events, e)

	e = at(1000)
	e.Direction, e.Layer, e.Category = log.DirectionOut, log.LayerFrame, log.CategoryFrame
	e.Frame = log.NewFrameEvent(codec.Encode(tx), tx)
	events = append(events, e)

	e = at(1010)
	e.Direction, e.Layer, e.Category = log.DirectionIn, log.LayerFrame, log.CategoryFrame
	e.Frame = log.NewFrameEvent(codec.Encode(foreign), foreign)
	e.Frame.Dropped, e.Frame.DropReason = true, "unexpected"
	events = append(events, e)

	e = at(1020)
	e.Direction, e.Layer, e.Category = log.DirectionIn, log.LayerFrame, log.CategoryFrame
	e.Frame = log.NewFrameEvent(codec.Encode(rx), rx)
	events = append(events, e)

	e = at(1030)
	e.Layer, e.Category = log.LayerLink, log.CategoryExchange
	e.Exchange = &log.ExchangeEvent{Operation: "SET_VOLTAGE", Attempts: 2, Duration: 1030 * time.Millisecond, Outcome: log.OutcomeSuccess}
	events = append(events, e)

	e = at(2000)
	e.Layer, e.Category = log.LayerLink, log.CategoryState
	e.StateChange = &log.StateChangeEvent{OldState: "LINKED", NewState: "LOST", Reason: "no reply"}
	events = append(events, e)

	e = at(2500)
	e.Layer, e.Category = log.LayerRadio, log.CategoryError
	e.Error = &log.ErrorEventData{Layer: log.LayerRadio, Message: "spi transfer failed", Context: "transmit"}
	events = append(events, e)

	return events
}
