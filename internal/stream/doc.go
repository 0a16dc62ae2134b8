// Package stream manages per-node streams: each node's ingest queue, its
// connection state, and the clock offset that maps its timestamps onto the
// aggregator's logical tick axis.
//
// Transports hand decoded frames to the Manager. The synchronizer walks the
// streams once per tick and drives their state transitions. A cleanup
// routine evicts nodes that stay disconnected longer than the stream timeout.
package stream
