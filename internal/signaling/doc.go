// Package signaling is the client side of the relay protocol: one WebSocket
// to the relay carrying protocol.Message frames in both directions.
package signaling
