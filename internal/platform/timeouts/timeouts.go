// Package timeouts defines shared timeout constants used across the runtime.
// Centralizing these values prevents drift between entity turns and the
// collaborators they call.
package timeouts

import "time"

// StoreCall caps a single call to a store collaborator from inside an
// entity turn. A failed call is retried once before the operation surfaces
// a storage failure.
const StoreCall = 2 * time.Second

// StoreRetryDelay is the pause between the first store attempt and its
// single retry.
const StoreRetryDelay = 100 * time.Millisecond

// Shutdown limits how long the server waits for in-flight turns during
// graceful shutdown.
const Shutdown = 5 * time.Second
