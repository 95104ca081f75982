package ds

// Set is a generic set type.
type Set[T comparable] map[T]bool

func NewSet[T comparable](elements ...T) Set[T] {
	s := Set[T]{}
	for _, element := range elements {
		s.Add(element)
	}
	return s
}

// Add adds an element to the set.
func (s Set[T]) Add(element T) {
	s[element] = true
}

// Has returns true if the given element is in the set.
func (s Set[T]) Has(element T) bool {
	return s[element]
}
