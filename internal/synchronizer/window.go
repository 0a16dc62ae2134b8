package synchronizer

// Status describes whether every channel of a window carries live audio
type Status string

const (
	StatusComplete Status = "complete"
	StatusDegraded Status = "degraded"
)

// Fallback identifies the audio used for a missing channel
type Fallback string

const (
	FallbackNone      Fallback = "none"
	FallbackLastKnown Fallback = "last_known"
	FallbackSilence   Fallback = "silence"
)

// Channel is one node's audio for a tick
type Channel struct {
	NodeID      uint32   `json:"node_id"`
	Samples     []int16  `json:"-"`
	Substituted bool     `json:"substituted"`
	Fallback    Fallback `json:"fallback"`
	Resynced    bool     `json:"resynced"`
	Unreliable  bool     `json:"unreliable"`
}

// AlignedWindow holds one frame per active node for the same logical interval
type AlignedWindow struct {
	Tick     uint64    `json:"tick"`
	Start    int64     `json:"start_ms"`
	Status   Status    `json:"status"`
	Channels []Channel `json:"channels"`
}

// Channel returns the channel of a node
func (w *AlignedWindow) Channel(nodeID uint32) (Channel, bool) {
	for _, ch := range w.Channels {
		if ch.NodeID == nodeID {
			return ch, true
		}
	}
	return Channel{}, false
}

// Substituted returns the number of channels filled by a fallback
func (w *AlignedWindow) Substituted() int {
	n := 0
	for _, ch := range w.Channels {
		if ch.Substituted {
			n++
		}
	}
	return n
}
