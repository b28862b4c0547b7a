/*
Package executor runs checked VQL statements.

A query's WHERE tree is folded into per-store pushdown clauses and a
cross-modal residual. The executor routes to a single hexad, one store, or
the federation fan-out, assembles rows joined by hexad id, evaluates the
residual per row, then groups, aggregates, orders deterministically (ties
broken by subsequent keys, then hexad id), projects and paginates.

Mutations run as sagas: each forward step records a compensator, and any
failure unwinds completed steps in reverse with the outcome appended to
the temporal audit log. Statements carrying PROOF discharge their
obligations before any store is touched.
*/
package executor
