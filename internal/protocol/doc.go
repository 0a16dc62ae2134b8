// Package protocol implements the binary wire frame sent by microphone nodes.
// It decodes datagrams and byte streams into audio frames, rejecting truncated
// or inconsistent payloads, and encodes frames for node simulators and tests.
package protocol
