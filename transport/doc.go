// Package transport defines the channel shapes clients reach the server
// through: plain request/response, a streaming variant that answers with a
// stream id and delivers frames asynchronously, and a long-lived server-push
// channel. The Manager façade fans handler registration across all configured
// transports and starts/stops them independently.
//
// All error classes (unknown method, oversized payload, malformed envelope,
// handler failure) are converted to structured responses at the transport
// boundary; nothing a handler does can crash an accept loop.
package transport
