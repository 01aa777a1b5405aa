package dispatch

import (
	"reflect"
	"strings"
)

// MemberSignature describes one member of a service
type MemberSignature struct {
	Type string `msgpack:"type" json:"type" yaml:"type"`
	From Origin `msgpack:"from" json:"from" yaml:"from"`
}

// ServiceSignature maps member names to their descriptions
type ServiceSignature map[string]MemberSignature

// Signature maps service names to their service signatures
type Signature map[string]ServiceSignature

// Reflect computes the signature of a service. Underscore-prefixed members
// are never included.
func Reflect(svc *Service) ServiceSignature {
	sig := make(ServiceSignature, len(svc.members))
	for _, m := range svc.Members() {
		if isPrivate(m.Name) {
			continue
		}
		sig[m.Name] = MemberSignature{Type: kindOf(m.Value()), From: m.Origin}
	}
	return sig
}

func isPrivate(name string) bool {
	return strings.HasPrefix(name, "_")
}

// kindOf names the runtime kind of v the way remote callers see it
func kindOf(v any) string {
	if v == nil {
		return "undefined"
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func:
		return "function"
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	default:
		return "object"
	}
}
