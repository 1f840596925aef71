// Package domain contains the retrieval task aggregate, the images it owns,
// the value objects describing sources and results, and the events the task
// lifecycle records. It performs no I/O.
package domain
