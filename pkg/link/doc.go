// Package link provides the RF link lifecycle shared by the protocol engine,
// the health monitor and the controller.
//
// This package handles:
//   - Link state tracking (UNPAIRED, PAIRING, LINKED, LOST)
//   - Exponential backoff for automatic pairing attempts
//   - A supervisor that retries pairing in the background
//
// # Pairing Retry Strategy
//
// When the controller starts without a stored address and automatic pairing
// is enabled, the supervisor retries the join exchange:
//
//  1. First attempt immediately
//  2. Retry delays: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Continue at 60s until the unit opens its join window
//
// Each delay carries up to 25% random jitter:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
package link
