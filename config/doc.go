// Package config holds the start-up parameters of an overdrive allocator.
//
// A Config starts from Default and may be overlaid from an INI file:
//
//	[AddressSpace]
//	EnableArena = true
//	ArenaMB     = 1024
//
//	[Pools]
//	PrimaryMB = 512
//	CeilingKB = 8192
//
// Keys missing from the file keep their defaults.
package config
