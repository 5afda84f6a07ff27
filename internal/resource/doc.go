// Package resource holds the process-wide limits of an allocator instance.
//
// A Controller tracks committed bytes against an optional budget, bounds the
// number of background jobs, and throttles telemetry output:
//
//	rc := resource.NewController(resource.Config{CommitBudget: 512 << 20})
//	if !rc.Charge(64 << 10) {
//		// over budget: try the next tier
//	}
//	defer rc.Refund(64 << 10)
//
// Charging never blocks. A nil *Controller is valid and imposes no limits.
package resource
