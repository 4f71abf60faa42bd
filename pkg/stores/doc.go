// Package stores provides persistence for linkval. The SQLite store keeps
// compiled validator plans as the slow cache tier and the warmer's access
// history, using WAL mode, embedded migrations and a pooled connection.
package stores
