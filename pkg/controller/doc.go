// Package controller is the host-facing API of the fan driver.
//
// A Controller owns a protocol engine, serializes access to it and keeps the
// last known Status. Hosts call SetSpeed, SetTimedOverride, ResetToAuto and
// SetPreset; CurrentStatus never blocks. The only activity the controller
// starts on its own is the periodic settings poll and, with AutoPair, the
// initial pairing.
//
// Concurrency policy: with PolicyQueue (default) callers wait for the
// in-flight exchange; with PolicyReject they get ErrBusy. Polls always
// queue.
package controller
