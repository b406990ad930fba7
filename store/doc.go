// Package store wraps an LMDB environment as the value store behind every
// cobase table.
//
// Writes are queued and committed in batches on a short timer; each queued
// write returns a *Pending whose Committed and Synced methods report the
// outcome. Reads see queued writes before they reach disk. Conditional
// writes compare the first 8 bytes of the current value (the entry header)
// and report false instead of failing when the header moved.
//
// Values at or above Options.SharedBufferThreshold can be read zero-copy
// through GetView. A view points into the memory map and stays valid until
// the store invalidates it; see View for the lifecycle.
//
// Map exhaustion, remapping by another process, closed read transactions
// and corruption are recovered transparently. Corruption recovery deletes
// the data file and is logged as data loss.
package store
