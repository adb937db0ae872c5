// Package schedule implements the recurrence engine: timezone-correct
// next-occurrence calculation for check-in cycle rules and for follow
// message rules anchored to the initial message's send instant.
//
// All entry points are pure functions over civil dates; callers own
// persistence and the surrounding transaction.
package schedule
