// Package api exposes the retrieval service over HTTP. Handlers decode
// requests into commands, call the services and map their errors to status
// codes. The broker consumer in package consumer drives the same services.
package api
