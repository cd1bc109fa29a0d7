// Package relay is the signaling relay: a WebSocket hub that admits peers
// into rooms and forwards offers, answers, ICE candidates and media-state
// announcements between them. It never touches media itself.
package relay
