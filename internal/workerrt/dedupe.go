package workerrt

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/yungbote/devpipe/internal/pipeline"
)

// Dedupe is a bounded LRU of recently-processed (request_id, stage, payload
// hash) keys. It is an optimization only: the broker's at-least-once
// redelivery is already safe because every stage transform is naturally
// idempotent on its output, so a missed-by-eviction duplicate just means a
// stage re-runs, not a correctness bug.
type Dedupe struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

func NewDedupe(capacity int) *Dedupe {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &Dedupe{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Key derives the idempotency key for an envelope: request_id|stage|sha256(payload).
func Key(env pipeline.Envelope) string {
	sum := sha256.Sum256(mustMarshal(env.Payload))
	return string(env.RequestID) + "|" + string(env.Stage) + "|" + hex.EncodeToString(sum[:])
}

func mustMarshal(p pipeline.Payload) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return b
}

// Seen reports whether key has already been recorded, without recording it.
func (d *Dedupe) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.items[key]
	if !ok {
		return false
	}
	d.ll.MoveToFront(el)
	return true
}

// Record marks key as processed, evicting the oldest entry if over capacity.
func (d *Dedupe) Record(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.items[key]; ok {
		d.ll.MoveToFront(el)
		return
	}
	el := d.ll.PushFront(key)
	d.items[key] = el
	if d.ll.Len() > d.capacity {
		oldest := d.ll.Back()
		if oldest != nil {
			d.ll.Remove(oldest)
			delete(d.items, oldest.Value.(string))
		}
	}
}
