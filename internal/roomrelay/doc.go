// Package roomrelay is the development signaling relay: a websocket hub that
// groups connections into rooms, assigns each one a transport peer id and
// fans peer messages out to every joined member of the room.
//
// Peer messages (offer, answer, candidate, chat-message) are echoed back to
// the sender as well; clients discard their own messages by transport peer id.
package roomrelay
