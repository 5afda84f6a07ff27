// Package telemetry writes a periodic CSV journal of allocator metrics.
//
// Each row is a timestamp followed by one integer column per metric. The
// stream may be LZ4 or ZSTD framed and its writes throttled by a
// resource.Controller.
package telemetry
