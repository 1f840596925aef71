// Package events turns domain events into broker records and delivers them.
//
// A Router maps event type names to destinations, a Publisher keeps one
// Producer per destination and sends events in order, and an
// InMemoryEventEmitter lets in-process handlers observe every delivered
// event.
package events
