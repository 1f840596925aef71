// Package service contains the retrieval use cases: the command handlers
// that change tasks and images, the compensation handler of the image saga,
// and the queries behind the HTTP surface.
//
// Each operation runs inside its own store.UnitOfWork. A command loads the
// task, applies one state operation, persists it and commits; only then are
// the events recorded on the task drained and published. Publication is
// retried, but a change that committed is never rolled back because its
// events could not be delivered: the caller gets ErrPublishFailed instead.
//
// Errors are sentinel errors from domain, store and this package, wrapped
// with %w. Classify maps them onto the kinds the broker consumer and the API
// act on.
package service
