// Package coordinator schedules synchronization for one device.
//
// A Coordinator tracks the signed-in identity and cloud reachability, and
// runs passes over the local store:
//
//	TriggerSync      drain the outbound queue
//	TriggerFullSync  bulk-push unmapped workspaces and sessions, drain,
//	                 then fold the full remote state
//	PullChanges      fold remote changes since the last successful pull
//
// Passes never overlap. A trigger that arrives during a pass is folded into
// one more pass after it. Passes are ignored while offline or signed out.
// Until the full sync owed by a sign-in has succeeded once, every pass runs
// it.
//
// State transitions:
//
//	idle    -> syncing   trigger, sign-in, reconnect (debounced)
//	syncing -> idle      queue drained
//	syncing -> error     items left in the queue, or the full pull failed
//	any     -> offline   connectivity lost
//	offline -> idle      connectivity restored
//	any     -> idle      sign-out (queued items are kept)
//
// Local callers record changes with QueueMutation, SaveRecord or SoftDelete
// and observe the state with Subscribe or Updates.
//
// WatchConnectivity and IdentityWatcher feed connectivity and identity
// changes from the environment into SetOnline and SetIdentity.
package coordinator
