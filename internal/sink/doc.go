// Package sink delivers beamformed frames to their consumers: a WAV
// recording, live WebSocket listeners, or an in-process channel.
package sink
