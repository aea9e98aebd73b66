// Package engine runs conversational turns end to end.
//
// A turn goes through a fixed pipeline:
//
//  1. wait for a concurrency slot and for any running turn of the same session
//  2. load the session checkpoint, or start a fresh state
//  3. reset per-turn fields and append the inbound message or staff submission
//  4. run the router/specialist graph, emitting raw execution events
//  5. translate raw events into the client protocol under the turn budget
//  6. checkpoint the state, only when the client saw done without an error
//
// # Usage
//
// Streaming:
//
//	events, err := eng.Stream(ctx, engine.Turn{SessionID: "s-1", Message: "I have chest pain"})
//	if err != nil {
//	    return err
//	}
//	for ev := range events {
//	    send(ev)
//	}
//
// Non-streaming:
//
//	result, err := eng.Invoke(ctx, turn)
//	if err != nil {
//	    return engine.ErrorPayload(turn.SessionID, err)
//	}
//
// # Cancellation and Timeouts
//
// Cancelling the Stream context (client disconnect) stops the graph, closes
// the channel without further events and discards the turn. When the turn
// budget of the translator elapses the client receives an error with code
// TIMEOUT_ERROR followed by done; that turn is discarded as well.
//
// # Hooks
//
// Hooks run before a turn, after a checkpointed turn and on failures. A
// before-turn hook can reject a turn by returning an error.
package engine
