package dispatch

import (
	"fmt"
	"reflect"
	"sort"
)

// Origin tells where a member of a service comes from
type Origin string

const (
	OriginInheritedBase Origin = "inherited-base"
	OriginPrototype     Origin = "prototype"
	OriginField         Origin = "instance-field"
)

// Member is one exposed method or readable value of a service
type Member struct {
	Name   string
	Origin Origin

	fn  any
	get func() any
}

// Value returns the member's attribute: the callable for methods, the
// current value for fields.
func (m *Member) Value() any {
	if m.get != nil {
		return m.get()
	}
	return m.fn
}

// Service is a statically declared capability descriptor: the set of
// members a hosted object exposes across the process boundary.
type Service struct {
	members map[string]*Member
	order   []string
	emitter *Emitter
}

// NewService creates an empty service descriptor
func NewService() *Service {
	return &Service{members: make(map[string]*Member)}
}

// Method exposes fn under name with prototype origin
func (s *Service) Method(name string, fn any) *Service {
	s.set(&Member{Name: name, Origin: OriginPrototype, fn: fn})
	return s
}

// Field exposes a readable value under name; get is called on every read
func (s *Service) Field(name string, get func() any) *Service {
	s.set(&Member{Name: name, Origin: OriginField, get: get})
	return s
}

// Value exposes a constant value under name with instance-field origin
func (s *Service) Value(name string, v any) *Service {
	s.set(&Member{Name: name, Origin: OriginField, fn: v})
	return s
}

// WithEmitter makes the service an event source and exposes the emitter's
// own methods with inherited-base origin.
func (s *Service) WithEmitter(e *Emitter) *Service {
	if e == nil {
		return s
	}
	s.emitter = e

	v := reflect.ValueOf(e)
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		s.set(&Member{
			Name:   t.Method(i).Name,
			Origin: OriginInheritedBase,
			fn:     v.Method(i).Interface(),
		})
	}
	return s
}

// EventEmitter returns the service's emitter, or nil if it does not emit events
func (s *Service) EventEmitter() *Emitter {
	return s.emitter
}

// Member looks up an exposed member by name
func (s *Service) Member(name string) (*Member, bool) {
	m, ok := s.members[name]
	return m, ok
}

// Members returns the members in declaration order
func (s *Service) Members() []*Member {
	out := make([]*Member, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.members[name])
	}
	return out
}

// set stores m; a later declaration under the same name replaces the earlier one
func (s *Service) set(m *Member) {
	if _, exists := s.members[m.Name]; !exists {
		s.order = append(s.order, m.Name)
	}
	s.members[m.Name] = m
}

// Describe builds the capability descriptor for obj.
//
// A *Service is returned as is. For any other value the exported methods of
// its type become prototype members, exported struct fields become
// instance-field members, and string-keyed map entries become instance-field
// members. If obj is an EventSource with a non-nil emitter, the emitter's
// methods are added first with inherited-base origin.
func Describe(obj any) (*Service, error) {
	if svc, ok := obj.(*Service); ok {
		if svc == nil {
			return nil, fmt.Errorf("nil service")
		}
		return svc, nil
	}

	v := reflect.ValueOf(obj)
	if !v.IsValid() {
		return nil, fmt.Errorf("cannot describe nil object")
	}

	svc := NewService()
	if es, ok := obj.(EventSource); ok && es.EventEmitter() != nil {
		svc.WithEmitter(es.EventEmitter())
	}

	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		name := t.Method(i).Name
		if svc.emitter != nil && isBaseMethod(name) {
			continue
		}
		svc.set(&Member{Name: name, Origin: OriginPrototype, fn: v.Method(i).Interface()})
	}

	elem := v
	for elem.Kind() == reflect.Pointer || elem.Kind() == reflect.Interface {
		if elem.IsNil() {
			return svc, nil
		}
		elem = elem.Elem()
	}

	switch elem.Kind() {
	case reflect.Struct:
		describeFields(svc, elem)
	case reflect.Map:
		if elem.Type().Key().Kind() == reflect.String {
			describeMapEntries(svc, elem)
		}
	}

	return svc, nil
}

func describeFields(svc *Service, v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Anonymous {
			continue
		}
		field := v.Field(i)
		svc.set(&Member{
			Name:   f.Name,
			Origin: OriginField,
			get:    func() any { return field.Interface() },
		})
	}
}

func describeMapEntries(svc *Service, v reflect.Value) {
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, key := range keys {
		name := key.String()
		entry := v.MapIndex(key)
		if entry.Kind() == reflect.Interface && !entry.IsNil() {
			entry = entry.Elem()
		}
		if entry.Kind() == reflect.Func {
			svc.set(&Member{Name: name, Origin: OriginField, fn: entry.Interface()})
			continue
		}
		mapValue, mapKey := v, key
		svc.set(&Member{
			Name:   name,
			Origin: OriginField,
			get: func() any {
				current := mapValue.MapIndex(mapKey)
				if !current.IsValid() {
					return nil
				}
				return current.Interface()
			},
		})
	}
}
