package routing

import (
	"container/heap"
)

// contactHeap is a max-heap on distance to target, keeping the n closest
// contacts seen so far with the farthest at the root.
type contactHeap struct {
	contacts  []*Contact
	distances []KUID
	target    KUID
}

func (h *contactHeap) Len() int { return len(h.contacts) }

func (h *contactHeap) Less(i, j int) bool {
	return h.distances[j].Less(h.distances[i])
}

func (h *contactHeap) Swap(i, j int) {
	h.contacts[i], h.contacts[j] = h.contacts[j], h.contacts[i]
	h.distances[i], h.distances[j] = h.distances[j], h.distances[i]
}

func (h *contactHeap) Push(x interface{}) {
	c := x.(*Contact)
	h.contacts = append(h.contacts, c)
	h.distances = append(h.distances, c.ID.Xor(h.target))
}

func (h *contactHeap) Pop() interface{} {
	n := len(h.contacts)
	c := h.contacts[n-1]
	h.contacts = h.contacts[:n-1]
	h.distances = h.distances[:n-1]
	return c
}

// closestN returns up to count contacts from candidates closest to target,
// closest first.
func closestN(candidates []*Contact, target KUID, count int) []*Contact {
	if count <= 0 {
		return nil
	}

	h := &contactHeap{
		contacts:  make([]*Contact, 0, count),
		distances: make([]KUID, 0, count),
		target:    target,
	}

	for _, c := range candidates {
		if len(h.contacts) < count {
			heap.Push(h, c)
			continue
		}
		if c.ID.Xor(target).Less(h.distances[0]) {
			heap.Pop(h)
			heap.Push(h, c)
		}
	}

	result := make([]*Contact, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(*Contact)
	}
	return result
}
