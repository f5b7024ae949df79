package chat

import "encoding/json"

// Thread is an ordered, copy-on-write message list with an id index.
// A Thread value is never mutated after construction; Upsert returns a new
// one, so snapshots handed to other goroutines stay stable. Lookups are
// O(1). Every Upsert copies the message slice, and an insert also copies the
// index, so a merge costs O(n) in the thread length.
type Thread struct {
	items []Message
	index map[string]int
}

// NewThread builds a Thread from msgs. Later duplicates of an id replace
// earlier ones in place.
func NewThread(msgs ...Message) Thread {
	var t Thread
	for _, m := range msgs {
		t = t.Upsert(m)
	}
	return t
}

// Upsert inserts msg at the end, or replaces the message with the same id
// without moving it.
func (t Thread) Upsert(msg Message) Thread {
	if pos, ok := t.index[msg.ID]; ok {
		items := make([]Message, len(t.items))
		copy(items, t.items)
		items[pos] = msg
		// positions are unchanged, the index can be shared
		return Thread{items: items, index: t.index}
	}

	items := make([]Message, len(t.items), len(t.items)+1)
	copy(items, t.items)
	items = append(items, msg)

	index := make(map[string]int, len(t.index)+1)
	for id, pos := range t.index {
		index[id] = pos
	}
	index[msg.ID] = len(items) - 1
	return Thread{items: items, index: index}
}

// Get looks a message up by id.
func (t Thread) Get(id string) (Message, bool) {
	pos, ok := t.index[id]
	if !ok {
		return Message{}, false
	}
	return t.items[pos], true
}

func (t Thread) Len() int { return len(t.items) }

// Messages returns a copy of the ordered messages.
func (t Thread) Messages() []Message {
	out := make([]Message, len(t.items))
	copy(out, t.items)
	return out
}

func (t Thread) MarshalJSON() ([]byte, error) {
	if t.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.items)
}

func (t *Thread) UnmarshalJSON(data []byte) error {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return err
	}
	*t = NewThread(msgs...)
	return nil
}
