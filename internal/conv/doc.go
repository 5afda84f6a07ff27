// Package conv holds checked size conversions and alignment helpers.
//
// Sizes arrive from callers as int and travel through the tiers as uintptr.
// Conversions that are safe by construction, such as page counts inside one
// reservation, use direct casts instead.
package conv
