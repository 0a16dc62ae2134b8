// Package delay estimates the time offset of each channel against a
// reference channel using normalized cross-correlation.
//
// An offset of d samples means the target hears the source d samples after
// the reference: target[n] ≈ reference[n-d]. Estimates below the confidence
// threshold fall back to the last accepted estimate for that channel.
package delay
