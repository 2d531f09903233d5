package encoder

import "os"

// processInterruptSignal isolates the os.Interrupt reference so Stop's
// intent (graceful signal before force-kill) reads clearly at the call site.
func processInterruptSignal() os.Signal {
	return os.Interrupt
}
