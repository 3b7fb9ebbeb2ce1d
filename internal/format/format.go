// Package format normalizes arbitrary command return values into JSON-safe
// values: maps, slices, strings, bools, numbers and nil.
package format

import (
	"context"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/cdp"
)

// CircularMarker replaces any back-reference to an object already on the
// current path.
const CircularMarker = "[Circular Reference]"

// maxTextLen bounds the text copied into element descriptors.
const maxTextLen = 1000

// Awaitable is a value that settles later. It is awaited before formatting.
type Awaitable interface {
	Await(ctx context.Context) (any, error)
}

// Format converts v into a JSON-safe value. It never fails: anything that
// cannot be copied is rendered with its string representation.
func Format(ctx context.Context, v any) any {
	f := &formatter{ctx: ctx, visiting: make(map[visit]bool)}
	return f.value(reflect.ValueOf(v))
}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

type formatter struct {
	ctx      context.Context
	visiting map[visit]bool
}

var (
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
	awaitableType = reflect.TypeOf((*Awaitable)(nil)).Elem()
	jsonMarshaler = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshaler = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	nodeType      = reflect.TypeOf((*cdp.Node)(nil))
	rawType       = reflect.TypeOf(json.RawMessage(nil))
	numberType    = reflect.TypeOf(json.Number(""))
)

func (f *formatter) value(v reflect.Value) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = fallback(v)
		}
	}()

	if !v.IsValid() {
		return nil
	}

	switch {
	case v.Type() == nodeType:
		if v.IsNil() {
			return nil
		}
		return describeNode(v.Interface().(*cdp.Node))
	case v.Type() == rawType:
		return f.raw(v.Bytes())
	case v.Type() == numberType:
		return v.Interface()
	case v.Type().Implements(awaitableType):
		if isNilable(v) && v.IsNil() {
			return nil
		}
		res, err := v.Interface().(Awaitable).Await(f.ctx)
		if err != nil {
			return errorValue(err)
		}
		return f.value(reflect.ValueOf(res))
	case v.Type().Implements(errorType):
		if isNilable(v) && v.IsNil() {
			return nil
		}
		return errorValue(v.Interface().(error))
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return f.value(v.Elem())
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if out, ok := f.marshaled(v); ok {
			return out
		}
		key := visit{v.Pointer(), v.Type()}
		if f.visiting[key] {
			return CircularMarker
		}
		f.visiting[key] = true
		defer delete(f.visiting, key)
		return f.value(v.Elem())
	case reflect.Bool:
		return v.Bool()
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		fl := v.Float()
		if math.IsNaN(fl) || math.IsInf(fl, 0) {
			return fmt.Sprint(fl)
		}
		return fl
	case reflect.Func:
		if v.IsNil() {
			return nil
		}
		return functionPlaceholder(v)
	case reflect.Chan:
		if v.IsNil() {
			return nil
		}
		return f.receive(v)
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes())
		}
		key := visit{v.Pointer(), v.Type()}
		if v.Len() > 0 && f.visiting[key] {
			return CircularMarker
		}
		f.visiting[key] = true
		defer delete(f.visiting, key)
		return f.list(v)
	case reflect.Array:
		return f.list(v)
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		key := visit{v.Pointer(), v.Type()}
		if f.visiting[key] {
			return CircularMarker
		}
		f.visiting[key] = true
		defer delete(f.visiting, key)
		return f.mapping(v)
	case reflect.Struct:
		if out, ok := f.marshaled(v); ok {
			return out
		}
		return f.structure(v)
	}
	return fallback(v)
}

func (f *formatter) list(v reflect.Value) []any {
	out := make([]any, v.Len())
	for i := range out {
		out[i] = f.value(v.Index(i))
	}
	return out
}

func (f *formatter) mapping(v reflect.Value) map[string]any {
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		out[mapKey(iter.Key())] = f.value(iter.Value())
	}
	return out
}

func (f *formatter) structure(v reflect.Value) map[string]any {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		fv := v.Field(i)
		if field.Anonymous && name == "" {
			if inner, ok := f.value(fv).(map[string]any); ok {
				for k, val := range inner {
					if _, exists := out[k]; !exists {
						out[k] = val
					}
				}
				continue
			}
		}
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		out[name] = f.value(fv)
	}
	return out
}

// marshaled honours json.Marshaler and encoding.TextMarshaler so types with
// their own wire form (time.Time, cdproto enums) keep it.
func (f *formatter) marshaled(v reflect.Value) (any, bool) {
	t := v.Type()
	switch {
	case t.Implements(jsonMarshaler):
		data, err := v.Interface().(json.Marshaler).MarshalJSON()
		if err != nil {
			return fallback(v), true
		}
		return f.raw(data), true
	case t.Implements(textMarshaler):
		text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return fallback(v), true
		}
		return string(text), true
	}
	return nil, false
}

func (f *formatter) raw(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return string(data)
	}
	return normalizeNumbers(out)
}

// receive waits for one value from a channel, treating it as a pending
// result. A closed channel formats as nil.
func (f *formatter) receive(ch reflect.Value) any {
	if ch.Type().ChanDir()&reflect.RecvDir == 0 {
		return fallback(ch)
	}
	cases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: ch},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(f.ctx.Done())},
	}
	chosen, recv, ok := reflect.Select(cases)
	if chosen == 1 {
		return errorValue(f.ctx.Err())
	}
	if !ok {
		return nil
	}
	return f.value(recv)
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if fl, err := t.Float64(); err == nil {
			return fl
		}
		return t.String()
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
	}
	return v
}

func errorValue(err error) map[string]any {
	var chain []string
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		chain = append(chain, e.Error())
	}
	return map[string]any{
		"error": err.Error(),
		"stack": strings.Join(chain, "\n"),
	}
}

func functionPlaceholder(v reflect.Value) string {
	name := "anonymous"
	if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
		name = fn.Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	}
	return "[Function: " + name + "]"
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		if b, err := tm.MarshalText(); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(k.Interface())
}

func fallback(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if v.CanInterface() {
		return fmt.Sprint(v.Interface())
	}
	return v.String()
}

func isNilable(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

// describeNode flattens a DOM node handle into a plain descriptor.
func describeNode(n *cdp.Node) map[string]any {
	attrs := make(map[string]any, len(n.Attributes)/2)
	for i := 0; i+1 < len(n.Attributes); i += 2 {
		attrs[n.Attributes[i]] = n.Attributes[i+1]
	}
	id, _ := attrs["id"].(string)
	class, _ := attrs["class"].(string)
	return map[string]any{
		"tagName":    strings.ToLower(n.NodeName),
		"id":         id,
		"className":  class,
		"text":       nodeText(n),
		"attributes": attrs,
	}
}

func nodeText(n *cdp.Node) string {
	var b strings.Builder
	var walk func(*cdp.Node)
	walk = func(n *cdp.Node) {
		if b.Len() > maxTextLen {
			return
		}
		if n.NodeType == cdp.NodeTypeText {
			b.WriteString(n.NodeValue)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(n)
	text := strings.TrimSpace(b.String())
	if len(text) > maxTextLen {
		n := maxTextLen
		for n > 0 && !utf8.RuneStart(text[n]) {
			n--
		}
		text = text[:n]
	}
	return text
}
