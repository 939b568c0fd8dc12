// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"fmt"
	"reflect"
	"sort"
)

// MethodSpec describes one method of a protocol
type MethodSpec struct {
	Name   string
	OneWay bool
}

// Method declares a synchronous method
func Method(name string) MethodSpec { return MethodSpec{Name: exportedName(name)} }

// OneWay declares a one-way method
func OneWay(name string) MethodSpec { return MethodSpec{Name: exportedName(name), OneWay: true} }

// Protocol is the set of methods a remote object is expected to answer to.
// Attached to a proxy it rejects calls outside the set before anything is
// sent, and turns calls to one-way methods into notifications.
type Protocol struct {
	Name    string
	methods map[string]MethodSpec
}

// NewProtocol builds a protocol from explicit method specs
func NewProtocol(name string, methods ...MethodSpec) *Protocol {
	p := &Protocol{Name: name, methods: make(map[string]MethodSpec, len(methods))}
	for _, m := range methods {
		p.methods[m.Name] = m
	}
	return p
}

// ProtocolOf derives a protocol from the interface type T. Methods without
// results are one-way.
//
//	type Directory interface {
//		Lookup(ctx context.Context, name string) (string, error)
//		Touch(name string)
//	}
//	proxy.SetProtocol(dobj.ProtocolOf[Directory]())
func ProtocolOf[T any]() *Protocol {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Interface {
		panic(fmt.Sprintf("dobj: ProtocolOf needs an interface type, got %s", t))
	}
	p := &Protocol{Name: t.Name(), methods: make(map[string]MethodSpec, t.NumMethod())}
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		p.methods[m.Name] = MethodSpec{Name: m.Name, OneWay: m.Type.NumOut() == 0}
	}
	return p
}

// Method looks a method up by name
func (p *Protocol) Method(name string) (MethodSpec, bool) {
	m, ok := p.methods[exportedName(name)]
	return m, ok
}

// Methods returns the method names in sorted order
func (p *Protocol) Methods() []string {
	names := make([]string, 0, len(p.methods))
	for n := range p.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ImplementedBy reports whether obj has every method of p with a signature
// the dispatcher can call.
func (p *Protocol) ImplementedBy(obj any) bool {
	v := reflect.ValueOf(obj)
	for name := range p.methods {
		if _, err := lookupMethod(v, name); err != nil {
			return false
		}
	}
	return true
}
