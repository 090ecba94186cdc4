// Package orchestrator runs plans: it decomposes one user instruction into an
// ordered list of typed tasks and executes them against the task handlers,
// streaming an event per completed task.
//
// # State machine
//
// Every run moves through
//
//	received → classifying → executing(0) → … → executing(n-1) → finished
//
// and may move to errored from any state. A run emits zero or more
// step_completed events, strictly in plan order, followed by exactly one
// terminal event: plan_finished or error.
//
// # Sessions
//
// Runs for the same session are serialized with the session store's run lock,
// so prompt window and step counter mutations never interleave. Runs for
// different sessions proceed concurrently. The raw instruction is appended to
// the session's prompt window once per run, after the first task completes.
//
// # Cancellation
//
// Cancelling the run's context stops dispatch before the next task. A handler
// result that arrives after cancellation is discarded.
//
// # Usage
//
//	orch, err := orchestrator.New(orchestrator.Config{
//		Store:      store,
//		Context:    policy,
//		Classifier: cls,
//		Dispatcher: dispatcher,
//	})
//	err = orch.Run(ctx, orchestrator.Request{RequestID: "r1", SessionID: "s1", Text: "Add a hero section"}, sink)
package orchestrator
