// Package types holds the shared type contracts of the engine: structured
// errors with stable codes so callers can branch on failure classes without
// string matching. It sits below every other package and imports none of them.
package types
