package dom

import (
	"sync"
	"sync/atomic"
)

// MutationType classifies a [MutationRecord].
type MutationType int

const (
	// ChildList records nodes added to or removed from Target.
	ChildList MutationType = iota + 1

	// CharacterData records a change of a text node's data.
	CharacterData

	// Attributes records a change of an element attribute (class list).
	Attributes
)

// String returns the human-readable name of the mutation type.
func (t MutationType) String() string {
	switch t {
	case ChildList:
		return "childList"
	case CharacterData:
		return "characterData"
	case Attributes:
		return "attributes"
	default:
		return "unknown"
	}
}

// MutationRecord describes one edit of the tree.
type MutationRecord struct {
	Type MutationType

	// Target is the parent for ChildList records and the edited node
	// otherwise.
	Target *Node

	// Added and Removed list the nodes inserted into or removed from Target.
	Added   []*Node
	Removed []*Node

	// Previous and Next are the siblings surrounding the edit position at
	// the time of the edit. Either may be nil.
	Previous *Node
	Next     *Node

	// AttributeName is set for Attributes records ("class").
	AttributeName string

	// OldValue holds the previous data (CharacterData) or the previous
	// space-separated class list (Attributes).
	OldValue string

	// Remote is true when the edit was applied inside [Document.ApplyRemote].
	Remote bool
}

// Batch is the unit of delivery: every record accumulated since the previous
// [Document.Flush], in edit order.
type Batch []MutationRecord

// DefaultObserverBuffer is the number of undelivered batches an [Observer]
// holds before it starts dropping.
const DefaultObserverBuffer = 256

// Observer receives batches on a buffered channel. Delivery never blocks the
// producer: when the buffer is full the batch is dropped and counted, and the
// consumer is expected to recover through a periodic re-scan.
type Observer struct {
	doc      *Document
	ch       chan Batch
	dropped  atomic.Uint64
	stopOnce sync.Once
}

// Observe registers a new [Observer] on d. A buffer <= 0 selects
// [DefaultObserverBuffer].
func (d *Document) Observe(buffer int) *Observer {
	if buffer <= 0 {
		buffer = DefaultObserverBuffer
	}
	o := &Observer{doc: d, ch: make(chan Batch, buffer)}
	d.observers = append(d.observers, o)
	return o
}

// Batches returns the delivery channel. It is closed by [Observer.Disconnect].
func (o *Observer) Batches() <-chan Batch { return o.ch }

// Dropped returns the number of batches discarded because the buffer was full.
func (o *Observer) Dropped() uint64 { return o.dropped.Load() }

// Disconnect unregisters the observer and closes its channel. It must be
// called from the goroutine that owns the document.
func (o *Observer) Disconnect() {
	o.stopOnce.Do(func() {
		obs := o.doc.observers[:0]
		for _, other := range o.doc.observers {
			if other != o {
				obs = append(obs, other)
			}
		}
		o.doc.observers = obs
		close(o.ch)
	})
}

func (o *Observer) deliver(b Batch) {
	select {
	case o.ch <- b:
	default:
		o.dropped.Add(1)
	}
}

// AddListener registers fn to be called synchronously from [Document.Flush]
// with every batch. Listeners run on the document's goroutine and may read
// the tree, but must not edit it.
func (d *Document) AddListener(fn func(Batch)) {
	d.listeners = append(d.listeners, fn)
}

// Pending returns the number of records waiting for the next flush.
func (d *Document) Pending() int { return len(d.pending) }

// Flush delivers all pending records as one batch to listeners and observers.
// It reports whether anything was delivered.
func (d *Document) Flush() bool {
	if len(d.pending) == 0 {
		return false
	}
	b := Batch(d.pending)
	d.pending = nil
	for _, fn := range d.listeners {
		fn(b)
	}
	for _, o := range d.observers {
		o.deliver(b)
	}
	return true
}
