// Package dedupe remembers which tool calls have already been surfaced so a
// call reported both through a direct callback and inside a progress round
// is shown once.
package dedupe
