// Package subscription fans data-model events out to plugin instances.
//
// Each subscriber owns one delivery worker and one bounded FIFO of
// pending events, so a slow guest backs up only its own queue. An
// instance subscribes to everything or to a set of path prefixes;
// matching happens when the event is published, delivery happens on
// the worker. Events are delivered at most once and in publish order
// per instance. Nothing orders delivery across instances.
//
// During a hot reload the lifecycle manager parks a subscriber with
// BeginBuffering: matching events accumulate in the FIFO (oldest
// dropped past capacity) and EndBuffering lets the worker drain them
// into the restarted instance before any newer event.
package subscription
