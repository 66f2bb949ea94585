// Package stream runs live transcription sessions against realtime
// WebSocket backends and chunked HTTP backends.
//
// A Session walks Disconnected → Connecting → Connected → Configuring →
// Ready → Streaming → Closing, or lands in Failed. Audio appended before
// Ready is dropped.
package stream
