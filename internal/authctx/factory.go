// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authctx

import (
	"github.com/jeranaias/sessiontimer/internal/registry"
	"github.com/jeranaias/sessiontimer/internal/timeout"
)

// Factory creates contexts and keeps them under opaque identifiers.
type Factory struct {
	contexts *registry.Registry[*Context]
	opts     []Option
}

// NewFactory creates a factory. opts apply to every context it creates.
func NewFactory(opts ...Option) *Factory {
	return &Factory{
		contexts: registry.New[*Context](),
		opts:     opts,
	}
}

// Create starts a session and returns its identifier. extra options are
// applied after the factory's own.
func (f *Factory) Create(cfg timeout.Config, sink timeout.Sink, extra ...Option) (string, error) {
	opts := make([]Option, 0, len(f.opts)+len(extra))
	opts = append(opts, f.opts...)
	opts = append(opts, extra...)

	c, err := New(cfg, sink, opts...)
	if err != nil {
		return "", err
	}
	return f.contexts.Put(c), nil
}

// Get returns the context registered under key.
func (f *Factory) Get(key string) (*Context, bool) {
	return f.contexts.Get(key)
}

// IsValidKey reports whether key identifies a live flow.
func (f *Factory) IsValidKey(key string) bool {
	return registry.ValidKey(key) && f.contexts.Contains(key)
}

// Release logs the session out and forgets key.
func (f *Factory) Release(key string) bool {
	c, ok := f.contexts.Delete(key)
	if !ok {
		return false
	}
	c.Logout()
	return true
}

// Len returns the number of registered contexts.
func (f *Factory) Len() int {
	return f.contexts.Len()
}

// Close releases every context.
func (f *Factory) Close() {
	for _, key := range f.contexts.Keys() {
		f.Release(key)
	}
}
