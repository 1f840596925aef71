// Package postgres implements the store contracts on PostgreSQL through the
// pgx database/sql driver. Repositories are bound to the transaction of a
// TxSession so that a unit of work commits task and image rows together.
// The schema lives in the embedded goose migrations.
package postgres
