// Package signaling contains the WebSocket transport surface of the relay.
//
// It owns connection lifecycle (ids, keepalive, inbound hardening) and the
// wire protocol, and hands decoded events to the router. It never interprets
// negotiation payloads.
package signaling
