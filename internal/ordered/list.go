// Package ordered keeps a sequence of ids whose index is the stored position.
// Every mutation returns a new List; callers persist List.Positions afterwards.
package ordered

import (
	"fmt"
	"sort"
)

// OutOfRangeError reports a position outside [0, Max].
type OutOfRangeError struct {
	Position int
	Max      int
}

func (e OutOfRangeError) Error() string {
	return fmt.Sprintf("position %d out of range 0..%d", e.Position, e.Max)
}

// UnknownIDError reports an id that is not in the list.
type UnknownIDError struct {
	ID string
}

func (e UnknownIDError) Error() string {
	return fmt.Sprintf("id %s not in list", e.ID)
}

type List []string

// FromPositions orders ids by their stored position, breaking ties by id.
func FromPositions(positions map[string]int) List {
	ids := make([]string, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := positions[ids[i]], positions[ids[j]]
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return List(ids)
}

func (l List) IndexOf(id string) int {
	for i, v := range l {
		if v == id {
			return i
		}
	}
	return -1
}

// Insert places id at index at, 0 <= at <= len(l).
func (l List) Insert(id string, at int) (List, error) {
	if at < 0 || at > len(l) {
		return nil, OutOfRangeError{Position: at, Max: len(l)}
	}
	out := make(List, 0, len(l)+1)
	out = append(out, l[:at]...)
	out = append(out, id)
	out = append(out, l[at:]...)
	return out, nil
}

// Remove drops id and returns the index it held.
func (l List) Remove(id string) (List, int, error) {
	idx := l.IndexOf(id)
	if idx < 0 {
		return nil, -1, UnknownIDError{ID: id}
	}
	out := make(List, 0, len(l)-1)
	out = append(out, l[:idx]...)
	out = append(out, l[idx+1:]...)
	return out, idx, nil
}

// Move relocates id to index to, 0 <= to <= len(l)-1. Elements between the old
// and new index shift by one toward the vacated slot.
func (l List) Move(id string, to int) (List, error) {
	if to < 0 || to > len(l)-1 {
		return nil, OutOfRangeError{Position: to, Max: len(l) - 1}
	}
	rest, _, err := l.Remove(id)
	if err != nil {
		return nil, err
	}
	return rest.Insert(id, to)
}

func (l List) Positions() map[string]int {
	out := make(map[string]int, len(l))
	for i, id := range l {
		out[id] = i
	}
	return out
}

// Changed returns the positions in next that differ from prev, including ids new to next.
func Changed(prev map[string]int, next List) map[string]int {
	out := map[string]int{}
	for i, id := range next {
		if p, ok := prev[id]; !ok || p != i {
			out[id] = i
		}
	}
	return out
}

// CheckContiguous verifies positions are exactly 0..n-1 without duplicates.
func CheckContiguous(positions []int) error {
	sorted := append([]int(nil), positions...)
	sort.Ints(sorted)
	for i, p := range sorted {
		if p != i {
			return fmt.Errorf("positions not contiguous: %v", sorted)
		}
	}
	return nil
}
