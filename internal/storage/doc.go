// Package storage provides the persistence layer used by the dispatcher and the API.
//
// It currently supports:
//   - Posts (scheduled content items) with due-item selection
//   - Users and their delegated platform credentials
//   - Audit log appends (dispatch outcomes, failures)
//
// Drivers: "memory" (tests, local runs) and "sqlite" (modernc.org/sqlite, pure Go).
package storage
