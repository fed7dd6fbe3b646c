/*
Package event carries notifications between the streaming core and its observers.

# Stream bus

StreamBus delivers types.StreamEvent values to listeners attached to a session:

	unsub := streams.Subscribe(sessionID, func(ev types.StreamEvent) {
		render(ev.Snapshot)
	})
	defer unsub()

Guarantees:

  - Events of one session reach each listener in publish order.
  - Publish never waits for a listener. Every listener owns an unbounded mailbox
    and a goroutine that drains it.
  - Unsubscribing one listener leaves other listeners untouched.
  - A panicking listener is logged and keeps receiving later events.

There is no ordering between different sessions.

# Notification bus

Bus is a thin layer over a watermill GoChannel for fire-and-forget
notifications consumed outside the streaming core, for example refreshing a
file tree after a tool ran:

	bus.Notify(event.FilesChanged, sessionID, event.FilesChangedData{ToolUseID: id})

	unsub := bus.Subscribe(event.FilesChanged, func(e event.Event) {
		var data event.FilesChangedData
		_ = e.Decode(&data)
	})

Notifications published while nobody is subscribed are dropped, and delivery
order between notifications is not guaranteed.
*/
package event
