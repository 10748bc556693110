package handle

// Store is a generic typed map keyed by Handle. It pairs with a Pool: the
// pool decides which handles are live, the store holds their payloads.
// Neither type is safe for concurrent use; owners guard them.
type Store[T any] struct {
	pool *Pool
	data map[Handle]*T
}

func NewStore[T any]() *Store[T] {
	return &Store[T]{
		pool: NewPool(),
		data: make(map[Handle]*T, 16),
	}
}

// Insert allocates a handle for v.
func (s *Store[T]) Insert(v *T) Handle {
	h := s.pool.Create()
	s.data[h] = v
	return h
}

func (s *Store[T]) Get(h Handle) (*T, bool) {
	if !s.pool.Alive(h) {
		return nil, false
	}
	v, ok := s.data[h]
	return v, ok
}

// Remove releases h and drops its payload. Reports whether h was live.
func (s *Store[T]) Remove(h Handle) bool {
	if !s.pool.Release(h) {
		return false
	}
	delete(s.data, h)
	return true
}

// RemoveFunc releases every handle whose payload matches drop and returns
// how many were removed.
func (s *Store[T]) RemoveFunc(drop func(*T) bool) int {
	n := 0
	for h, v := range s.data {
		if drop(v) && s.pool.Release(h) {
			delete(s.data, h)
			n++
		}
	}
	return n
}

func (s *Store[T]) Len() int {
	return len(s.data)
}

