/*
Package storage implements the Durable Queue Store port using BoltDB: an
embedded, transactional key-value database requiring no separate server
process, the same choice the rest of this codebase makes for local state.

Queued items live in one bucket keyed by ItemID (JSON-encoded); a second
bucket holds failure history, pruned by age rather than deleted alongside
the queue record, since clear_failed() only clears in-memory state and the
persisted history survives that call.

	store, err := storage.NewBoltStore(cfg.DataDir)
	defer store.Close()

	items, err := store.LoadQueue() // restore non-terminal items at startup
*/
package storage
