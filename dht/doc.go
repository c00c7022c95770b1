// Package dht decides whether the local peer joins the distributed hash
// table, in which role, and how it acquires its first contacts.
//
// # Architecture
//
// The package sits on top of an engine.DHT and a host network (the peers the
// node is connected to outside the DHT). Key components:
//
//   - Manager: the facade. Serializes mode switches on a single executor and
//     delivers lifecycle events in order on a second one.
//   - Controller: one per mode (Active, Passive, PassiveLeaf). Owns an engine,
//     restores and persists route table snapshots, reacts to host network
//     connection events.
//   - Bootstrapper: the four tier strategy used to find the first responsive
//     contact.
//   - NodeFetcher: asks the host network for DHT capable hosts when nothing
//     else is left to try.
//
// # Bootstrap Process
//
// Candidates are tried in order:
//
//  1. The most recently added address of the bootstrap host set.
//  2. The contacts already in the route table, once per controller.
//  3. A fallback host picked from Options.FallbackHosts by the top four bits
//     of the local node ID.
//  4. Hosts pushed back by the NodeFetcher.
//
// A host set candidate arriving while route table contacts are being pinged
// cancels that ping. Completions of cancelled or superseded operations are
// discarded through per-operation generation numbers.
//
// # Modes
//
//	manager := dht.NewManager(opts, host)
//	defer manager.Close()
//	manager.Start(dht.ModeActive)
//
// Active nodes persist their whole route table. Passive nodes are firewalled
// supernodes that track DHT capable leaves and persist a short list of most
// recently seen contacts. Passive leaf nodes never bootstrap and only store
// the contacts forwarded to them by their supernode.
package dht
