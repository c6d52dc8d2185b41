package client

import (
	"strings"
	"sync"
	"time"
)

type (
	// watchKey identifies one watched parameter. The param component is
	// always lowercased.
	watchKey struct {
		classCode string
		secCode   string
		param     string
	}

	// watchItem is a subscription request for one parameter.
	watchItem struct {
		key      watchKey
		interval time.Duration
	}

	watchRow struct {
		lastUpdate time.Time
		interval   time.Duration
	}

	// paramWatcher is the schedule table of the parameter poll task: for
	// every watched parameter it keeps the last update timestamp and the
	// desired update interval, and selects the rows that are due. Its
	// mutex also guards the client's parameter cache map so that
	// subscription state and cache installs are observed atomically.
	paramWatcher struct {
		mtx  sync.Mutex
		rows map[watchKey]*watchRow
	}
)

func newWatchKey(classCode, secCode, param string) watchKey {
	return watchKey{classCode: classCode, secCode: secCode, param: strings.ToLower(param)}
}

func newParamWatcher() *paramWatcher {
	return &paramWatcher{rows: make(map[watchKey]*watchRow)}
}

// subscribe installs the given rows. Re-subscribing an existing row
// overwrites its interval and resets the last update timestamp. Callers
// must hold mtx.
func (w *paramWatcher) subscribe(items []watchItem) {
	now := time.Now()
	for _, it := range items {
		w.rows[it.key] = &watchRow{lastUpdate: now, interval: it.interval}
	}
	watcherRows.Set(float64(len(w.rows)))
}

// unsubscribe drops the given rows, missing ones are ignored. Callers must
// hold mtx.
func (w *paramWatcher) unsubscribe(keys []watchKey) {
	for _, k := range keys {
		delete(w.rows, k)
	}
	watcherRows.Set(float64(len(w.rows)))
}

// dueCandidates returns every row whose next update is overdue, in
// unspecified order. Callers must hold mtx.
func (w *paramWatcher) dueCandidates() []watchKey {
	now := time.Now()
	var due []watchKey
	for k, row := range w.rows {
		if row.lastUpdate.Add(row.interval).Before(now) {
			due = append(due, k)
		}
	}
	return due
}

// markUpdated touches exactly the given rows, rows removed since selection
// are ignored. Callers must hold mtx.
func (w *paramWatcher) markUpdated(keys []watchKey) {
	now := time.Now()
	for _, k := range keys {
		if row, ok := w.rows[k]; ok {
			row.lastUpdate = now
		}
	}
}

// count returns the number of watched rows.
func (w *paramWatcher) count() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return len(w.rows)
}
