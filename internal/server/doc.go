// Package server implements the node transports and the HTTP API.
//
// The UDP server reads one frame per datagram and hands payloads to a pool
// of decode workers. The TCP server runs one goroutine per node connection
// and splits the byte stream on each frame's declared length; when a
// connection ends, every node that sent on it is disconnected. Neither
// transport blocks on the aggregator: frames are only enqueued.
//
// The HTTP server exposes health, node, configuration and output statistics,
// Prometheus metrics and the live WebSocket stream.
package server
