// Package dispatch runs the publish cycle: it selects due posts, makes sure
// the owner's platform credential is fresh, publishes and records the
// outcome with a bounded attempt count and failure notification.
//
// The cycle is driven by the scheduler through the task engine; Engine
// itself keeps no goroutines between cycles.
package dispatch
