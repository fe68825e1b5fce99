// Package store defines interfaces for persisting job run history alongside
// relay results. Implementations live in other packages; this package must not
// import database drivers or concrete clients.
package store
