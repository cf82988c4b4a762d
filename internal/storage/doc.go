// Package storage persists scheduled sends, appointment templates, and
// materialized appointment instances.
//
// Two drivers are provided: an in-memory store used by default and for
// tests, and an optional SQLite store behind the "sqlite" build tag. Both
// implement the same conditional-update contract for claims, so the
// dispatch path behaves identically against either.
package storage
