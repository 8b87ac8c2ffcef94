// Package payout delivers queued payouts after the engine has committed them.
// A Rail moves one payout to its recipient; the Dispatcher drains the pending
// outbox through the configured rail with bounded attempts.
package payout
