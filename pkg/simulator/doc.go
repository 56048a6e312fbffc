// Package simulator provides a simulated ventilation unit on an in-memory
// radio medium.
//
// A Unit answers the same frames a real main unit answers: the join
// sequence while pairing mode is open, setting commands and settings
// queries. Its timer counts down in simulated minutes (AdvanceMinutes) or,
// with Config.MinuteLength set, in wall-clock time. Fault hooks drop replies
// or silence the unit to exercise retry and link-loss handling.
package simulator
