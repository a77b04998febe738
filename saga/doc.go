// Package saga coordinates multi-step operations with reverse compensation.
//
// An Instance runs its registered steps strictly in index order. When a step exhausts
// its retry budget the instance compensates executed steps in reverse order. If a
// compensation exhausts its budget the instance fails and a dead letter carrying the
// partially compensated state is captured.
//
// Advance executes at most one step or compensation per call and is safe to call
// repeatedly from several drivers: an instance lease serializes drivers, and terminal or
// not-yet-due instances are left untouched.
package saga
