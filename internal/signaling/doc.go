// Package signaling is the server side of the voice-room relay.
//
// Every WebSocket connection at /ws feeds a single Hub goroutine which owns
// the room registry, forwards negotiation frames between connections and fans
// out chat. The hub never blocks on a socket: each connection drains its own
// byte-bounded outbound queue.
package signaling
