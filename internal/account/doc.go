// Package account implements the per-user lifecycle state machine and
// the PIN lockout guard that gates its protected transitions.
package account
