// Package persistence stores the pairing with a fan unit across restarts.
//
// The state is a small JSON file. The address itself is kept as the hex form
// of protocol.DeviceAddress.Bytes; the decoded fields next to it are for
// people reading the file and are ignored on load.
package persistence
