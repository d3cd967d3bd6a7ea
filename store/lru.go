package store

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCache is a bounded in-memory Provider that evicts the least
// recently used entry once the configured capacity is reached.
type LRUCache struct {
	cache *lru.Cache[string, Entry]
}

// NewLRUCache returns an LRUCache holding at most size entries.
func NewLRUCache(size int) (*LRUCache, error) {
	cache, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{cache: cache}, nil
}

func (l *LRUCache) Get(key string) (Entry, bool, error) {
	entry, ok := l.cache.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if expired(entry, time.Now()) {
		l.cache.Remove(key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (l *LRUCache) Set(entry Entry) error {
	l.cache.Add(entry.Key, entry)
	return nil
}

func (l *LRUCache) Has(key string) bool {
	return l.cache.Contains(key)
}

func (l *LRUCache) Delete(key string) {
	l.cache.Remove(key)
}

func (l *LRUCache) Size() int {
	return l.cache.Len()
}

func (l *LRUCache) Clear() {
	l.cache.Purge()
}

func (l *LRUCache) Export(tag string) ([]Entry, error) {
	keys := l.cache.Keys()
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		if entry, ok := l.cache.Peek(key); ok {
			if tag == "" || entry.Meta.Tag == tag {
				entries = append(entries, entry)
			}
		}
	}
	return entries, nil
}

func (l *LRUCache) Import(entries []Entry) error {
	for _, entry := range entries {
		l.cache.Add(entry.Key, entry)
	}
	return nil
}

func (l *LRUCache) Keys(cb func(string)) {
	for _, key := range l.cache.Keys() {
		cb(key)
	}
}
