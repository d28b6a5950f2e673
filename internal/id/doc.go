// Package id provides unique identifier generation utilities.
//
// This is the canonical source for ID generation across the relayd codebase:
//
//   - UUID: Standard UUID v4 (random) for connection identifiers
//   - Hex32: 32-byte random hex strings for subscription ids and generated
//     client identities, matching the relay wire protocol expectations
//   - Payload: time-based numeric JSON-RPC request ids
//
// All random generation uses crypto/rand.
package id
