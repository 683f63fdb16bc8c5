package ecs

type slot struct {
	entity EntityID
	index  uint16
}

// store keeps every instance of one component type in a sparse set. Values
// are component pointers.
type store struct {
	sparse map[slot]int
	dense  []slot
	data   []any
}

func newStore() *store {
	return &store{sparse: make(map[slot]int)}
}

func (s *store) add(k slot, value any) bool {
	if _, ok := s.sparse[k]; ok {
		return false
	}
	s.sparse[k] = len(s.data)
	s.data = append(s.data, value)
	s.dense = append(s.dense, k)
	return true
}

func (s *store) remove(k slot) bool {
	idx, ok := s.sparse[k]
	if !ok {
		return false
	}

	last := len(s.data) - 1
	if idx != last {
		moved := s.dense[last]
		s.data[idx] = s.data[last]
		s.dense[idx] = moved
		s.sparse[moved] = idx
	}

	s.data[last] = nil
	s.data = s.data[:last]
	s.dense = s.dense[:last]
	delete(s.sparse, k)
	return true
}

func (s *store) get(k slot) (any, bool) {
	idx, ok := s.sparse[k]
	if !ok {
		return nil, false
	}
	return s.data[idx], true
}

func (s *store) len() int {
	return len(s.data)
}
