// Package fs abstracts the files the telemetry journal writes to, so tests
// can swap the local disk for a FaultyFS that fails writes, syncs or closes
// on demand.
package fs
