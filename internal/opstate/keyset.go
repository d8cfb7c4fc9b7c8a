package opstate

import (
	"fmt"
	"sort"
	"time"
)

// KeySet treats one namespace as a persistent set of keys. The stored
// value of each member is the time it was added. It satisfies
// alert.AckStore.
type KeySet struct {
	store     *Store
	namespace string
}

// KeySet returns the set stored in namespace.
func (s *Store) KeySet(namespace string) *KeySet {
	return &KeySet{store: s, namespace: namespace}
}

// Members returns the keys in the set, sorted.
func (k *KeySet) Members() ([]string, error) {
	entries, err := k.store.List(k.namespace)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for key := range entries {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// Add inserts key. Adding an existing member refreshes its timestamp.
func (k *KeySet) Add(key string) error {
	if key == "" {
		return fmt.Errorf("add to %s: empty key", k.namespace)
	}
	return k.store.Set(k.namespace, key, k.store.nowFunc().UTC().Format(time.RFC3339))
}

// Contains reports whether key is a member.
func (k *KeySet) Contains(key string) (bool, error) {
	v, err := k.store.Get(k.namespace, key)
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// AddedAt returns when key was last added. ok is false for a
// non-member.
func (k *KeySet) AddedAt(key string) (time.Time, bool, error) {
	return k.store.UpdatedAt(k.namespace, key)
}

// Remove deletes key. Removing a non-member is not an error.
func (k *KeySet) Remove(key string) error {
	return k.store.Delete(k.namespace, key)
}

// Clear removes every member.
func (k *KeySet) Clear() error {
	return k.store.DeleteNamespace(k.namespace)
}
