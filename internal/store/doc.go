// Package store defines the persistence contracts of the retrieval service:
// the task and image repositories, and the UnitOfWork that lends them out
// bound to one transaction so that a command's changes commit or roll back
// together.
package store
