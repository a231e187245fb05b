// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry maps opaque session identifiers to live values.
package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry is a concurrent map keyed by random UUID strings.
type Registry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// Put stores v under a fresh key and returns the key.
func (r *Registry[T]) Put(v T) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		key := uuid.NewString()
		if _, taken := r.items[key]; taken {
			continue
		}
		r.items[key] = v
		return key
	}
}

// Get returns the value stored under key.
func (r *Registry[T]) Get(key string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[key]
	return v, ok
}

// Contains reports whether key is registered.
func (r *Registry[T]) Contains(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Delete removes key and returns the value that was stored.
func (r *Registry[T]) Delete(key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[key]
	if ok {
		delete(r.items, key)
	}
	return v, ok
}

// Len returns the number of entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Keys returns the registered keys in sorted order.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.items))
	for k := range r.items {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// ValidKey reports whether key has the shape of a registry key.
func ValidKey(key string) bool {
	_, err := uuid.Parse(key)
	return err == nil
}
