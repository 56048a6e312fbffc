package protocol

import (
	"context"
	"fmt"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
)

// Pair joins the network of a unit that has pairing mode open.
//
// On success the address is stored and the link is LINKED. On failure the
// previous address and state are restored and the error wraps
// ErrPairingFailed, or is ctx.Err() when the context ended.
func (e *Engine) Pair(ctx context.Context) (DeviceAddress, error) {
	e.exMu.Lock()
	defer e.exMu.Unlock()

	e.mu.RLock()
	prevState, prevAddr := e.state, e.addr
	e.mu.RUnlock()

	self := frame.Endpoint{Type: frame.TypeRemoteControl, ID: e.randomID()}
	e.debugLog("pairing started", "self", self.String())
	e.setState(StatePairing, "pairing started")

	addr, err := e.join(ctx, self)
	if err != nil {
		e.restore(prevState, prevAddr)
		if ctx.Err() != nil {
			return DeviceAddress{}, ctx.Err()
		}
		e.monitor.RecordFailure(e.timeNow())
		return DeviceAddress{}, fmt.Errorf("%w: %w", ErrPairingFailed, err)
	}

	e.mu.Lock()
	e.addr = addr
	e.mu.Unlock()
	e.monitor.Reset()
	e.monitor.RecordSuccess(e.timeNow())
	e.setState(StateLinked, "joined "+addr.String())
	if e.logger != nil {
		e.logger.Info("paired with fan unit", "network", fmt.Sprintf("0x%08X", addr.NetworkID),
			"unit", addr.MainUnit.String(), "self", addr.Self.String())
	}
	return addr, nil
}

// join runs the three join exchanges. The caller holds exMu.
func (e *Engine) join(ctx context.Context, self frame.Endpoint) (DeviceAddress, error) {
	if err := e.tune(frame.LinkNetworkID); err != nil {
		return DeviceAddress{}, err
	}

	open, err := e.exchange(ctx, "JOIN", frame.NewJoinAck(self), func(f *frame.Frame) bool {
		return f.Command == frame.CmdJoinOpen && f.Src.Type == frame.TypeMainUnit && f.Src.ID != 0
	})
	if err != nil {
		return DeviceAddress{}, err
	}
	networkID, err := open.NetworkID()
	if err != nil {
		return DeviceAddress{}, err
	}
	if networkID == 0 {
		return DeviceAddress{}, fmt.Errorf("%w: unit offered network 0", ErrInvalidAddr)
	}

	addr := DeviceAddress{NetworkID: networkID, MainUnit: open.Src, Self: self}
	if err := e.tune(networkID); err != nil {
		return DeviceAddress{}, err
	}

	_, err = e.exchange(ctx, "JOIN_REQUEST", frame.NewJoinRequest(self, addr.MainUnit, networkID), func(f *frame.Frame) bool {
		return f.Command == frame.CmdLinkSuccess && f.IsFor(self) && f.Src == addr.MainUnit
	})
	if err != nil {
		return DeviceAddress{}, err
	}

	_, err = e.exchange(ctx, "LINK_CONFIRM", frame.NewLinkSuccess(self, addr.MainUnit), func(f *frame.Frame) bool {
		return f.Command == frame.CmdQueryNetwork && f.Src == addr.MainUnit && f.Dst == addr.MainUnit
	})
	if err != nil {
		return DeviceAddress{}, err
	}
	return addr, nil
}

// restore puts back the address and state from before a failed pairing.
func (e *Engine) restore(state LinkState, addr DeviceAddress) {
	target := frame.IdleNetworkID
	if state.Paired() {
		target = addr.NetworkID
	} else {
		state = StateUnpaired
		addr = DeviceAddress{}
	}
	if err := e.tune(target); err != nil {
		e.debugLog("retune after failed pairing", "error", err)
	}
	e.mu.Lock()
	e.addr = addr
	e.mu.Unlock()
	e.setState(state, "pairing aborted")
}
