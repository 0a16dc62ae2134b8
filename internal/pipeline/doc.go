// Package pipeline drives the aggregator: a single coordinator goroutine
// assembles aligned windows, estimates channel delays, beamforms, and
// delivers the output to the sink in tick order.
package pipeline
