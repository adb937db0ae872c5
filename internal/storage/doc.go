package storage

// Package storage persists accounts, schedules, messages and the PIN
// attempt log in a single SQLite file.
//
// Everything a lifecycle transition touches (account row, attempt log,
// check-in log) is written through WithAccount so it lands in one
// transaction. Worker scans claim due rows in the same statement that
// selects them.
