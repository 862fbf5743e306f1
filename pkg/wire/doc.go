// Package wire defines the controller's protocol: a versioned,
// length-prefixed frame with a fixed header, a CBOR header extension
// (forwarding descriptor, origin address, return list, auth credential)
// and a CBOR body selected by a 16-bit message type.
//
// Message types are partitioned into numbered ranges (1001 cluster admin,
// 2001 info queries, 3001 configuration updates, 4001 allocation, 5001
// steps and completion, 6001 task launch and signalling, ...). New types
// append to the end of their range; existing values never move.
package wire
