// Package engine defines the DHT engine consumed by the kadnode controllers
// and provides a small reference implementation.
//
// The DHT interface exposes the operations the controllers need: binding and
// starting the node, asynchronous Ping, FindActiveContact and Bootstrap
// calls returning a Future, and accessors for the route table, local node ID
// and value database.
//
// # Futures
//
// Every asynchronous operation returns a *Future[T]. A future completes
// exactly once with a value, an error, or ErrCancelled:
//
//	f := node.Ping(addr)
//	f.OnComplete(func(res engine.PingResult, err error) {
//	    // runs on its own goroutine
//	})
//	f.Cancel() // completes with ErrCancelled if still pending
//
// OnComplete callbacks always run on a new goroutine, so callers may register
// them while holding locks the callback will take.
//
// # Reference node
//
// Node speaks four packet types over a transport.Transport: PING/PONG for
// liveness and FIND_NODE/NODES for contact exchange. Bootstrap sends
// FIND_NODE for the local ID to one contact and pings every contact it
// returns. Value replication, security tokens and iterative lookups are not
// implemented.
//
// # Errors
//
// Failures are reported with sentinel errors: ErrTimeout, ErrUnreachable and
// ErrNoContacts are transient; ErrInvalidArgument marks a malformed request;
// ErrClosed and ErrCancelled report engine shutdown and cancellation.
package engine
