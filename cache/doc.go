// Package cache provides bounded LRU cache of heavy objects that sits between
// in-memory object graph and slower persistence layer.
//
// * Every cached object lives in Entry, which embeds intrusive node with two
// pairs of links: one for LRU list and one for dirty list.
// * Entry.Get materializes value on first access and promotes it to the LRU
// front on every next access. Callers hold values through Ref handles; an object
// with live refs is never evicted.
// * Entry.MarkDirty appends object to the dirty list. Membership in the dirty
// list is what dirtiness means, there is no separate flag.
// * Pool of worker goroutines evicts unreferenced objects from LRU tail when
// resident count is over maximum, and writes dirty objects from dirty list head.
// Persistence is always done without coordinator lock held.
//
// Control operations (Flush, SetMaximum lowering limit, SetThreads shrinking
// pool) block caller until workers made required progress.
package cache
