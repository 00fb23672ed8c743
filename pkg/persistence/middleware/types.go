// Package middleware wraps run stores with encryption and redaction.
package middleware

import "github.com/aretw0/arbor/pkg/ports"

// Middleware allows wrapping a RunStore to add behavior.
type Middleware func(ports.RunStore) ports.RunStore

// Chain applies mws to store. The first middleware is the outermost: it sees
// payloads as the manager writes them.
func Chain(store ports.RunStore, mws ...Middleware) ports.RunStore {
	for i := len(mws) - 1; i >= 0; i-- {
		store = mws[i](store)
	}
	return store
}
