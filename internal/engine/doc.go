// Package engine is the engagement registry and state machine. It assigns
// engagement IDs, checks the caller's role and the engagement's status before
// every transition, and drives the escrow ledger and fee policy from inside
// the transition handlers.
//
// Mutating calls are serialized by a single writer lock and each commits its
// full effect (status, escrow, dispute, events and queued payouts) in one
// store transaction. A call either commits completely or fails with no effect.
// Payouts are delivered only after the commit, by the payout dispatcher.
package engine
