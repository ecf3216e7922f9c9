// Package credential holds the Credential Store backends.
//
// Error contract shared by every backend:
//   - sentinel.ErrNotFound when no live credential matches
//   - sentinel.ErrAlreadyUsed from MarkConsumed when the credential was consumed
//     by an earlier call; the current record is returned alongside
//   - sentinel.ErrInvalidState from IncrementAttempts or MarkConsumed when the
//     credential turned terminal (expired, exhausted, consumed) before the
//     write; the current record is returned so callers can classify it
//   - any other error is an infrastructure failure
//
// Token-class credentials (Credential.IsToken) are also indexed by secret for
// LoadByToken; numeric codes are only reachable through Load.
package credential
