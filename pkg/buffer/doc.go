// Package buffer provides RingBuffer, a fixed-size buffer that overwrites
// its oldest entries once full — used for bounded, most-recent-N views
// like a live log tail.
//
// Example usage:
//
//	rb := buffer.RingN[string](200)
//	rb.Add("line one")
//	lines := rb.Bytes()
package buffer
