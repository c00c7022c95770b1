// Package routing implements the contact storage used by the kadnode DHT
// engine.
//
// Three RouteTable implementations cover the three node roles:
//
//   - Table is a Kademlia routing table: one k-bucket per shared prefix
//     length with the local node ID, each holding up to k active contacts and
//     a replacement cache of the same size.
//   - PassiveTable decorates a Table for firewalled supernodes. It tracks the
//     DHT-capable leaves connected to this node by address, adds them as
//     priority contacts, and when a leaf disconnects replaces it with the most
//     recently seen cached contact of its bucket.
//   - LeafTable is a single fixed-size LRU cache for passive leaves that are
//     fed contacts by their upstream peer and do no maintenance of their own.
//
// All tables are safe for concurrent use. Listeners registered with
// AddListener are notified after the table lock is released.
//
// Contacts cross package boundaries as copies; mutating a Contact returned
// from a table has no effect on the table.
package routing
