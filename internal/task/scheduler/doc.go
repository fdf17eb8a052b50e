// Package scheduler keeps the in-memory table of armed reminder wake-ups.
//
// The scheduler only decides when to trigger:
//   - registering wake-ups for reminders inside the look-ahead horizon
//   - cancelling and re-arming them (cancel-then-arm, keyed by reminder id)
//   - enqueueing exactly one fire task into the task engine per wake-up
//
// Delivery itself happens in the task engine, outside every scheduler lock.
package scheduler
