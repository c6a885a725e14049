// Package storage records terminal download outcomes.
//
// It is outcome history only; queue state is never persisted.
package storage
