package dispatch

import (
	"context"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Execute produces the settled value of attr.
//
// A non-callable attr is returned unchanged (args are ignored) unless it is a
// *Future or Routine, which are settled first. A callable attr is invoked with
// args converted to its parameter types; a leading context.Context parameter
// receives ctx. Its result is then settled the same way, so a plain return, a
// returned *Future and a returned Routine all yield the same value.
//
// Extra args beyond the function's arity are dropped and missing args become
// zero values. Panics are recovered and returned as *PanicError.
func Execute(ctx context.Context, attr any, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &PanicError{Value: r}
		}
	}()

	switch attr.(type) {
	case nil:
		return nil, nil
	case *Future, Routine:
		return Settle(ctx, attr)
	}

	fn := reflect.ValueOf(attr)
	if fn.Kind() != reflect.Func {
		return attr, nil
	}
	if fn.IsNil() {
		return nil, nil
	}

	in, err := prepareArgs(ctx, fn.Type(), args)
	if err != nil {
		return nil, err
	}

	value, err := collectResults(fn.Call(in))
	if err != nil {
		return nil, err
	}
	return Settle(ctx, value)
}

// Settle waits for v if it is a *Future and drives it if it is a Routine,
// repeating until a plain value remains.
func Settle(ctx context.Context, v any) (any, error) {
	for {
		switch x := v.(type) {
		case *Future:
			if x == nil {
				return nil, nil
			}
			r, err := x.Await(ctx)
			if err != nil {
				return nil, err
			}
			v = r
		case Routine:
			if x == nil {
				return nil, nil
			}
			r, err := driveRoutine(ctx, x)
			if err != nil {
				return nil, err
			}
			v = r
		default:
			return v, nil
		}
	}
}

func driveRoutine(ctx context.Context, r Routine) (any, error) {
	await := func(f *Future) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Settle(ctx, f)
	}
	return r(await)
}

// prepareArgs builds the reflect call arguments for a function of type t
func prepareArgs(ctx context.Context, t reflect.Type, args []any) ([]reflect.Value, error) {
	in := make([]reflect.Value, 0, t.NumIn())

	offset := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}

	fixed := t.NumIn() - offset
	if t.IsVariadic() {
		fixed--
	}

	for i := 0; i < fixed; i++ {
		target := t.In(offset + i)
		if i >= len(args) {
			in = append(in, reflect.Zero(target))
			continue
		}
		v, err := convertArg(args[i], target)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}

	if t.IsVariadic() {
		elem := t.In(t.NumIn() - 1).Elem()
		for i := fixed; i < len(args); i++ {
			v, err := convertArg(args[i], elem)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, v)
		}
	}

	return in, nil
}

// collectResults maps (), (T), (error), (T, error) onto a value and an error
func collectResults(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type() == errorType {
			if out[0].IsNil() {
				return nil, nil
			}
			return nil, out[0].Interface().(error)
		}
		return out[0].Interface(), nil
	case 2:
		if out[1].Type() != errorType {
			return nil, fmt.Errorf("second return value must be error, got %s", out[1].Type())
		}
		if !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		return out[0].Interface(), nil
	default:
		return nil, fmt.Errorf("unexpected number of return values: %d", len(out))
	}
}

// convertArg converts a decoded wire value to the parameter type target.
// This handles msgpack type differences between languages (e.g. int8 on the
// wire -> int in Go, maps -> structs).
func convertArg(arg any, target reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(target), nil
	}

	value := reflect.ValueOf(arg)
	if value.Type() == target {
		return value, nil
	}

	if target.Kind() == reflect.Interface {
		if value.Type().Implements(target) {
			return value, nil
		}
		return reflect.Value{}, fmt.Errorf("%T does not implement %s", arg, target)
	}

	srcKind := value.Kind()

	switch {
	case isIntegerKind(srcKind) && isIntegerKind(target.Kind()):
		return reflect.ValueOf(integerOf(value)).Convert(target), nil
	case isFloatKind(srcKind) && isIntegerKind(target.Kind()):
		return reflect.ValueOf(int64(value.Float())).Convert(target), nil
	case isIntegerKind(srcKind) && isFloatKind(target.Kind()):
		return reflect.ValueOf(float64(integerOf(value))).Convert(target), nil
	case isFloatKind(srcKind) && isFloatKind(target.Kind()):
		return reflect.ValueOf(value.Float()).Convert(target), nil
	}

	if target.Kind() == reflect.Slice && (srcKind == reflect.Slice || srcKind == reflect.Array) {
		return convertSlice(value, target)
	}

	if srcKind == reflect.Map {
		if target.Kind() == reflect.Map {
			return convertMap(value, target)
		}
		if target.Kind() == reflect.Struct || (target.Kind() == reflect.Pointer && target.Elem().Kind() == reflect.Struct) {
			return convertViaMsgpack(arg, target)
		}
	}

	if target.Kind() == reflect.String && srcKind != reflect.String {
		return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", arg, target)
	}

	if value.CanConvert(target) {
		return value.Convert(target), nil
	}

	return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", arg, target)
}

// isIntegerKind checks if a kind is an integer type
func isIntegerKind(k reflect.Kind) bool {
	return k == reflect.Int || k == reflect.Int8 || k == reflect.Int16 ||
		k == reflect.Int32 || k == reflect.Int64 ||
		k == reflect.Uint || k == reflect.Uint8 || k == reflect.Uint16 ||
		k == reflect.Uint32 || k == reflect.Uint64
}

func isFloatKind(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func integerOf(v reflect.Value) int64 {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(v.Uint())
	default:
		return v.Int()
	}
}

// convertSlice converts a slice/array to the target slice type
func convertSlice(value reflect.Value, target reflect.Type) (reflect.Value, error) {
	length := value.Len()
	result := reflect.MakeSlice(target, length, length)

	for i := 0; i < length; i++ {
		converted, err := convertArg(value.Index(i).Interface(), target.Elem())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
		}
		result.Index(i).Set(converted)
	}

	return result, nil
}

// convertMap converts a map to the target map type
func convertMap(value reflect.Value, target reflect.Type) (reflect.Value, error) {
	result := reflect.MakeMapWithSize(target, value.Len())

	iter := value.MapRange()
	for iter.Next() {
		key, err := convertArg(iter.Key().Interface(), target.Key())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("key %v: %w", iter.Key(), err)
		}
		elem, err := convertArg(iter.Value().Interface(), target.Elem())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("key %v: %w", iter.Key(), err)
		}
		result.SetMapIndex(key, elem)
	}

	return result, nil
}

// convertViaMsgpack decodes a generic map into a struct (or struct pointer)
// by re-encoding it with the wire codec.
func convertViaMsgpack(arg any, target reflect.Type) (reflect.Value, error) {
	data, err := msgpack.Marshal(arg)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("re-encode %T: %w", arg, err)
	}

	structType := target
	if target.Kind() == reflect.Pointer {
		structType = target.Elem()
	}
	ptr := reflect.New(structType)
	if err := msgpack.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("decode into %s: %w", target, err)
	}

	if target.Kind() == reflect.Pointer {
		return ptr, nil
	}
	return ptr.Elem(), nil
}
