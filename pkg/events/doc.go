/*
Package events implements the single broadcast bus carrying the tagged
union of download and server lifecycle events (§6.4 schema: download
started/progress/shard-progress/completed/failed/cancelled, server
started/stopped/error/snapshot).

Emit never blocks the emitter. Slow subscribers may lose events — this is
a documented trade-off, not a bug: the stream is not a reliable log.
Callers that need durability read from the queue store instead.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for ev := range sub {
			switch ev.Kind {
			case events.KindDownloadProgress:
				// ...
			}
		}
	}()

	broker.Emit(&events.Event{Kind: events.KindDownloadStarted, DownloadID: id})
*/
package events
