package cache

// queueNode is a node of the doubly linked list backing evictionQueue.
type queueNode struct {
	next *queueNode
	prev *queueNode
	key  string
}

// evictionQueue keeps logical keys in insertion / update order, oldest at the front.
// Keys are unique; an index makes membership checks and removals O(1).
type evictionQueue struct {
	head  *queueNode
	tail  *queueNode
	index map[string]*queueNode
}

func newEvictionQueue() *evictionQueue {
	return &evictionQueue{index: make(map[string]*queueNode)}
}

// Len returns the number of queued keys.
func (q *evictionQueue) Len() int {
	return len(q.index)
}

// Contains reports whether `key` is queued.
func (q *evictionQueue) Contains(key string) bool {
	_, exists := q.index[key]
	return exists
}

// Oldest returns the key at the front of the queue; false if the queue is empty.
func (q *evictionQueue) Oldest() (string, bool) {
	if q.head == nil {
		return "", false
	}
	return q.head.key, true
}

// PushBack appends `key` as the newest entry. A key that is already queued is moved to the back.
func (q *evictionQueue) PushBack(key string) {
	q.Remove(key)
	n := &queueNode{key: key, prev: q.tail}
	if q.tail != nil {
		q.tail.next = n
	} else { // Queue was empty.
		q.head = n
	}
	q.tail = n
	q.index[key] = n
}

// Remove drops `key` from the queue and reports whether it was queued.
func (q *evictionQueue) Remove(key string) bool {
	n, exists := q.index[key]
	if !exists {
		return false
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else { // Node is the head.
		q.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else { // Node is the tail.
		q.tail = n.prev
	}
	n.next, n.prev = nil, nil
	delete(q.index, key)
	return true
}

// Keys returns the queued keys, oldest first.
func (q *evictionQueue) Keys() []string {
	keys := make([]string, 0, len(q.index))
	for n := q.head; n != nil; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}
