// Package tag exposes build tags as constants, so debug only code can be
// written as ordinary if statements and eliminated by the compiler.
package tag
