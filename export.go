// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"reflect"
	"sync"
)

// exportTable holds the objects a connection has handed out by reference.
// Objects with identity (pointers, channels) keep one id however many
// times they are exported.
type exportTable struct {
	mu      sync.Mutex
	next    ObjectID
	objects map[ObjectID]any
	ids     map[any]ObjectID
}

func newExportTable() *exportTable {
	return &exportTable{
		next:    RootID + 1,
		objects: make(map[ObjectID]any),
		ids:     make(map[any]ObjectID),
	}
}

func identityKey(obj any) (any, bool) {
	switch reflect.TypeOf(obj).Kind() {
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return obj, true
	}
	return nil, false
}

func (t *exportTable) export(obj any) ObjectID {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := identityKey(obj)
	if ok {
		if id, found := t.ids[key]; found {
			return id
		}
	}
	id := t.next
	t.next++
	t.objects[id] = obj
	if ok {
		t.ids[key] = id
	}
	return id
}

func (t *exportTable) lookup(id ObjectID) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[id]
	return obj, ok
}

func (t *exportTable) release(id ObjectID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[id]
	if !ok {
		return false
	}
	delete(t.objects, id)
	if key, ok := identityKey(obj); ok {
		delete(t.ids, key)
	}
	return true
}

func (t *exportTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.objects)
	clear(t.ids)
}

func (t *exportTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}
