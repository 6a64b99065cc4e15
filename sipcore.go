// Package sipcore assembles the SIP core stack: the transport layer, RFC 5626 flow
// management and the RFC 3261 transaction layer on top of it.
//
// Inbound traffic goes transport → flow storage (keep-alive processing) → transaction layer →
// [transaction.User]. Outbound requests and responses are sent through transactions over flows.
package sipcore

// Version is the current sipcore version.
var Version = "0.1.0"
