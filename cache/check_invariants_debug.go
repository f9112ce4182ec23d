// +build debug

package cache

// checkInvariants panics if lists and counters are inconsistent.
// Cache lock should be acquired.
func (c *Cache) checkInvariants() {
	if err := c.checkIntegrityLocked(); err != nil {
		c.log.Panicf("Invariants are broken: %v", err)
	}
}
