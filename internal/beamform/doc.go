// Package beamform combines the channels of an aligned window into a single
// delay-and-sum output frame.
package beamform
