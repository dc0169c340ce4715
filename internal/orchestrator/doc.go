// Package orchestrator runs the scheduling control loops that drive
// topologies to completion.
//
// One Engine per active topology pulls ready tasks from the dependency
// graph, gates dispatch on the budget governor, checks workers out of the
// role pools, and drives each change-set through validation and merge.
// Task-local failures (collaborator errors, validation rejections, merge
// conflicts) are absorbed by the retry policy; only graph definition errors
// and workspace corruption halt a loop.
//
// The Runner composes one or two engines over a single shared governor for
// the supported workflow modes.
package orchestrator
