package persona

// Store exposes persona retrieval for HTTP handlers and the reply pipeline.
type Store interface {
	List() []Profile
	Find(key RoleKey) (Profile, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Profile
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied profiles.
func NewMemoryStore(items []Profile) *MemoryStore {
	return &MemoryStore{items: append([]Profile(nil), items...)}
}

// List returns the configured profiles.
func (s *MemoryStore) List() []Profile {
	return append([]Profile(nil), s.items...)
}

// Find looks up a profile by role key.
func (s *MemoryStore) Find(key RoleKey) (Profile, bool) {
	for _, item := range s.items {
		if item.Key == key {
			return item, true
		}
	}
	return Profile{}, false
}
