// Package sysheap is the last-resort tier. Every allocation is its own
// reservation on a vm.Space, committed whole and tracked in a table, so
// there is no header and nothing to corrupt.
package sysheap
