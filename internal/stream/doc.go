// Package stream runs conversation turns in the background.
//
// A Runner executes one turn: it opens the event stream through a Transport,
// folds every wire event into a SessionState and classifies how the turn
// ended. Three monitors can end a turn early and share the turn's single
// context: the user stop, the idle watchdog and the tool stall detector. The
// first one to fire decides the outcome.
//
// The Registry keeps at most one active Runner per session. Starting a turn
// detaches the previous runner before the new turn publishes anything, so
// listeners never see a stale turn's events. Finished sessions keep their
// final snapshot for a grace period.
package stream
