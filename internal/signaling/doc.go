// Package signaling defines the room-scoped message envelope exchanged with a
// signaling relay and a websocket client for it.
//
// Delivery is at-most-once. Messages of one type from one sender arrive in
// order; nothing is retransmitted.
package signaling
