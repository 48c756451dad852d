// Package filehost selects the content-addressed file store assigned to this
// instance and keeps an authenticated upload session open against it.
package filehost

import (
	"context"
	"errors"
	"sync"
)

// TLS modes for the external endpoint.
const (
	TLSExternal    = "external"
	TLSNoCheck     = "nocheck"
	TLSMillegrille = "millegrille"
)

var ErrNoEndpoint = errors.New("filehost has no usable url")

// Filehost describes a file store as published by the topology domain.
type Filehost struct {
	FilehostID  string `json:"filehost_id"`
	URLInternal string `json:"url_internal,omitempty"`
	URLExternal string `json:"url_external,omitempty"`
	TLSExternal string `json:"tls_external,omitempty"`
	InstanceID  string `json:"instance_id,omitempty"`
	Deleted     bool   `json:"deleted,omitempty"`
	SyncActive  bool   `json:"sync_active,omitempty"`
}

// Endpoint picks the url to use and how to verify it. The external url wins
// when present; the internal one is always verified against the local CA.
func (f *Filehost) Endpoint() (string, string, error) {
	switch {
	case f.URLExternal != "":
		mode := f.TLSExternal
		if mode == "" {
			mode = TLSExternal
		}
		return f.URLExternal, mode, nil
	case f.URLInternal != "":
		return f.URLInternal, TLSMillegrille, nil
	default:
		return "", "", ErrNoEndpoint
	}
}

// Same reports whether o designates the same store reached the same way.
// Descriptors are decoded anew on every selection, so pointers never match.
func (f *Filehost) Same(o *Filehost) bool {
	if f == nil || o == nil {
		return f == o
	}
	if f.FilehostID != o.FilehostID {
		return false
	}
	u1, m1, err1 := f.Endpoint()
	u2, m2, err2 := o.Endpoint()
	return u1 == u2 && m1 == m2 && errors.Is(err1, ErrNoEndpoint) == errors.Is(err2, ErrNoEndpoint)
}

// AttachedFile is the decryption metadata of an uploaded blob.
type AttachedFile struct {
	Fuuid       string `json:"fuuid"`
	Format      string `json:"format"`
	Nonce       string `json:"nonce,omitempty"`
	CleID       string `json:"cle_id,omitempty"`
	Compression string `json:"compression,omitempty"`
}

// Event is a resettable broadcast flag.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		close(e.ch)
		e.set = true
	}
}

func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.ch = make(chan struct{})
		e.set = false
	}
}

func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
