// Package deadletter captures permanently failed outbox records and saga steps.
//
// A dead letter is terminal: nothing changes it until an operator calls Handler.Replay,
// which hands the source back to its owner through a Replayer and marks the dead letter
// as replayed. Replay is never automatic.
package deadletter
