// Package core provides the generation lifecycle and bulk loading logic of
// repload.
//
// This package holds all domain logic independent of the command line and of
// the store driver. It can be driven by the CLI or by tests against the mem
// driver without modification.
//
// # Generations
//
// A generation is one complete copy of the IP reputation dataset, stored in a
// collection named prefix + creation epoch seconds (see [NewGenerationID]).
// A generation carries no state of its own. Its lifecycle is derived from the
// two control documents that reference it:
//
//   - [ActivePointer]: the generation consumers read right now.
//   - [ScratchState]: the paused (loading), loaded (ready to promote) and
//     last used (rollback) generations.
//
// The lifecycle is absent → loading → loaded → active → retired → deleted.
// The active generation and the last used one are never deleted.
//
// # Upload
//
// [Service.Upload] either creates a new generation or resumes the paused one,
// skipping as many rows as the store already holds. Rows are streamed through
// a [Pipeline] with O(batch size) memory. A batch with any rejected row is
// sent again in full; rows are keyed by their position in the input, so
// sending a row twice overwrites it.
//
// # Error Handling
//
// Errors carry a category ([StateError], [IOError]) and are mapped to stable
// codes by [MapError] for the fatal log line of the CLI:
//
//   - CFG001-CFG099: configuration errors
//   - STATE001-STATE099: lifecycle safety violations
//   - IO001-IO099: store and input failures
//   - ERR000: anything else
//
// Control documents are read and written without compare-and-swap. Two
// concurrent invocations against the same namespace can overwrite each other;
// repload assumes a single operator.
package core
