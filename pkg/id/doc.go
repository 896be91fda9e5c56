// Package id generates sortable correlation identifiers.
//
// IDs are ULIDs built with github.com/oklog/ulid. A Generator pins to the
// last seen millisecond when the wall clock regresses, and its monotonic
// entropy keeps IDs from the same millisecond strictly increasing.
//
//	g := id.NewGenerator()
//	rid := g.Next().String() // e.g. 01J9Z3M4QK8Y2V7T6R5N4P3B2A
package id
