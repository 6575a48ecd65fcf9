// Package changefeed keeps one auto-reconnecting subscription to a change
// feed and fans its events out to any number of listeners.
//
// A Manager opens the feed lazily when the first listener registers and
// tears it down when the last one leaves. When the live Handle reports an
// error the Manager closes it, waits a fixed retry delay, and reopens the
// feed from the handle's last resume token. Feed failures never reach
// listeners or callers; the only visible effect is a gap in events.
//
//	m, err := changefeed.New(opener, changefeed.Config{RetryDelay: time.Second})
//	if err != nil {
//		return err
//	}
//	id := m.AddListener(func(ev changefeed.Event) {
//		fmt.Println(ev.Operation, ev.DocumentKey)
//	})
//	defer m.RemoveListener(id)
package changefeed
