// +build debug

package tag

// Debug enables invariant checks after every structural cache mutation.
const Debug = true
