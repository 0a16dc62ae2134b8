// Package synchronizer assembles time-aligned multi-channel windows from the
// per-node queues.
//
// Time is divided into logical ticks of a fixed period. Each node's clock is
// mapped onto the tick axis by an offset anchored when the node joins, and
// every tick produces at most one AlignedWindow. A window is complete when
// every active node delivered a frame for the tick; otherwise it is emitted
// as degraded once the tick's wait deadline passes, with missing channels
// filled from the node's last frame or silence.
package synchronizer
