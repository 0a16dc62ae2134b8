// Package audio holds the PCM frame type shared by the pipeline, the bounded
// per-node ingest queue with drop-oldest overflow, signal level helpers, and
// WAV encoding used to record the beamformed output.
package audio
