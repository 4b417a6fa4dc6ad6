// Package safego launches goroutines that recover from panics instead
// of crashing the process, logging the panic with the goroutine's name.
package safego

import (
	"fmt"
	"runtime/debug"

	"github.com/fleetctl/fleetctl/internal/log"
)

// Go launches fn in a new goroutine. If fn panics, the panic is
// recovered, logged under the given name with a stack trace, and the
// goroutine exits normally instead of taking down the process.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error(log.CatWorker, "goroutine panicked",
					"name", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
