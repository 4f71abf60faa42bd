// Package service ties the resolver, compiler, cache, warmer and guard
// together behind one validation API.
//
// LoadSchema installs a schema and invalidates cached validators when its
// content changes. Validate looks the validator up by (schema ID, schema
// hash, class, options), compiling it at most once per key, and runs it
// under the panic-safe wrapper. ValidateBatch spreads requests over a
// bounded worker pool; compilation runs on its own smaller pool.
//
// When a store path is configured the SQLite store serves as the slow
// cache tier and persists warmer access history. Start launches the warmer
// loop and an expiry janitor; Close stops both.
package service
