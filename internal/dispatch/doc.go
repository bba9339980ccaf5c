// Package dispatch drains the outbound queue through the compliance gate,
// the rate limiter, and the send channel, and owns the retry policy applied
// to failed attempts.
package dispatch
