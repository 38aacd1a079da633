/*
Package agent defines the unit-of-work abstraction executed by workflow
graphs.

An Agent is a named, stateless worker registered in a Registry and resolved
by name at graph build time. Each invocation receives a Context — the
per-execution scratch space carrying the ticket, free-form state, and
metadata — and reports its outcome as a Result: completed, failed, skipped,
or pending (suspend and wait for an external event).

Checkpoints capture the serialized context state at a suspension point so a
workflow can resume after an arbitrary delay, on any process, with at-most-once
consumption enforced by the Consumed flag.
*/
package agent
