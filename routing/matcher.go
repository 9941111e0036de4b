package routing

import (
	"iter"
	"strings"
)

const (
	segmentSep = "/"
	wildOne    = "+"
	wildMany   = "#"
)

// Matcher is a trie over /-separated topic segments. Patterns may use
// "+" for exactly one segment and a trailing "#" for any remaining
// segments, including none. Registration under an identical pattern
// replaces the stored value. Matching is always a concrete topic
// against the registered patterns, never pattern against pattern.
//
// Matcher is not safe for concurrent use; the Registry serializes
// access to it.
type Matcher[T any] struct {
	root *trieNode[T]
	size int
}

type trieNode[T any] struct {
	children map[string]*trieNode[T]
	// Wildcard children live outside the exact-child map so a literal
	// "+" or "#" topic segment is never taken for the wildcard role.
	one   *trieNode[T]
	many  *trieNode[T]
	value T
	set   bool
}

// NewMatcher returns an empty matcher.
func NewMatcher[T any]() *Matcher[T] {
	return &Matcher[T]{root: &trieNode[T]{}}
}

// Len returns the number of registered patterns.
func (m *Matcher[T]) Len() int {
	return m.size
}

// Register stores value under pattern, replacing any value previously
// stored under the identical pattern.
func (m *Matcher[T]) Register(pattern string, value T) {
	node := m.root
	for _, seg := range strings.Split(pattern, segmentSep) {
		switch seg {
		case wildOne:
			if node.one == nil {
				node.one = &trieNode[T]{}
			}
			node = node.one
		case wildMany:
			if node.many == nil {
				node.many = &trieNode[T]{}
			}
			node = node.many
		default:
			if node.children == nil {
				node.children = make(map[string]*trieNode[T])
			}
			child, ok := node.children[seg]
			if !ok {
				child = &trieNode[T]{}
				node.children[seg] = child
			}
			node = child
		}
	}
	if !node.set {
		m.size++
	}
	node.value = value
	node.set = true
}

// Get returns the value stored under exactly pattern, without any
// wildcard interpretation.
func (m *Matcher[T]) Get(pattern string) (T, bool) {
	node := m.root
	for _, seg := range strings.Split(pattern, segmentSep) {
		switch seg {
		case wildOne:
			node = node.one
		case wildMany:
			node = node.many
		default:
			node = node.children[seg]
		}
		if node == nil {
			var zero T
			return zero, false
		}
	}
	return node.value, node.set
}

// Match yields every stored value whose pattern matches topic, most
// specific first: an exact segment beats "+", which beats "#", at each
// level. The sequence is lazy and each call starts a fresh traversal.
func (m *Matcher[T]) Match(topic string) iter.Seq[T] {
	segments := strings.Split(topic, segmentSep)
	return func(yield func(T) bool) {
		m.root.match(segments, yield)
	}
}

// First returns the most specific match for topic, if any.
func (m *Matcher[T]) First(topic string) (T, bool) {
	for v := range m.Match(topic) {
		return v, true
	}
	var zero T
	return zero, false
}

// Values yields every stored value in trie order.
func (m *Matcher[T]) Values() iter.Seq[T] {
	return func(yield func(T) bool) {
		m.root.values(yield)
	}
}

func (n *trieNode[T]) match(segments []string, yield func(T) bool) bool {
	if len(segments) == 0 {
		if n.set && !yield(n.value) {
			return false
		}
		// "#" also matches zero trailing segments.
		if n.many != nil && n.many.set && !yield(n.many.value) {
			return false
		}
		return true
	}
	head, rest := segments[0], segments[1:]
	if child, ok := n.children[head]; ok {
		if !child.match(rest, yield) {
			return false
		}
	}
	if n.one != nil {
		if !n.one.match(rest, yield) {
			return false
		}
	}
	if n.many != nil && n.many.set {
		if !yield(n.many.value) {
			return false
		}
	}
	return true
}

func (n *trieNode[T]) values(yield func(T) bool) bool {
	if n.set && !yield(n.value) {
		return false
	}
	for _, child := range n.children {
		if !child.values(yield) {
			return false
		}
	}
	if n.one != nil && !n.one.values(yield) {
		return false
	}
	if n.many != nil && !n.many.values(yield) {
		return false
	}
	return true
}
