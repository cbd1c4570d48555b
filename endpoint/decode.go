package endpoint

import (
	"encoding"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds any single decoded value unless a field sets its
// own `maxLength`.
var defaultFieldLimit = 4 * 1024

// Unmarshal populates dst (a non-nil pointer to a struct) from the request.
//
// Supported struct tags, in order of precedence when a field carries several:
//   - `path:"name"`: r.PathValue(name)
//   - `query:"name"`: r.URL.Query()
//   - `header:"name"`: r.Header, canonicalized
//   - `maxLength:"n"`: per-field byte limit; "0" or "" disables it
//
// A tag value of "-" ignores the field. Untagged scalar fields are looked up
// as path then query parameters named after the lower-cased field name, and
// untagged struct fields are decoded recursively. Fields with no matching
// value are left unchanged. Slice fields receive every value present.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}

	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct (or pointer to struct)"))
	}

	q := url.Values{}
	if r.URL != nil {
		q = r.URL.Query()
	}
	return unmarshalStruct(r, root, q)
}

type sourceTag struct {
	Source    string
	Name      string
	MaxLength int
}

type fetchFunc func(name string) ([]string, bool)

func unmarshalStruct(r *http.Request, structVal reflect.Value, query url.Values) error {
	t := structVal.Type()
	sources := []struct {
		key   string
		fetch fetchFunc
	}{
		{"path", func(name string) ([]string, bool) {
			v := r.PathValue(name)
			return []string{v}, v != ""
		}},
		{"query", func(name string) ([]string, bool) {
			vs, ok := query[name]
			return vs, ok && len(vs) > 0
		}},
		{"header", func(name string) ([]string, bool) {
			vs := r.Header[http.CanonicalHeaderKey(name)]
			return vs, len(vs) > 0
		}},
	}

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		fv := structVal.Field(i)
		defaultName := strings.ToLower(sf.Name)

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		var tags []sourceTag
		ignored := false
		for _, src := range sources {
			val, has := sf.Tag.Lookup(src.key)
			if !has {
				continue
			}
			name := strings.TrimSpace(val)
			if name == "-" {
				ignored = true
				break
			}
			if name == "" {
				name = defaultName
			}
			tags = append(tags, sourceTag{Source: src.key, Name: name, MaxLength: limit})
		}
		if ignored {
			continue
		}

		if len(tags) == 0 {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct && !implementsTextUnmarshaler(fv) {
				if fv.Kind() == reflect.Pointer {
					if fv.IsNil() {
						fv.Set(reflect.New(ft))
					}
					fv = fv.Elem()
				}
				if err := unmarshalStruct(r, fv, query); err != nil {
					return err
				}
				continue
			}
			tags = []sourceTag{
				{Source: "path", Name: defaultName, MaxLength: limit},
				{Source: "query", Name: defaultName, MaxLength: limit},
			}
		}

		for _, tag := range tags {
			var fetch fetchFunc
			for _, src := range sources {
				if src.key == tag.Source {
					fetch = src.fetch
				}
			}
			ok, err := setFieldFromSource(fv, tag, fetch, sf.Name)
			if err != nil {
				return err
			}
			if ok {
				break
			}
		}
	}
	return nil
}

func implementsTextUnmarshaler(fv reflect.Value) bool {
	tu := reflect.TypeFor[encoding.TextUnmarshaler]()
	if fv.Kind() == reflect.Pointer {
		return fv.Type().Implements(tu)
	}
	return (fv.CanAddr() && fv.Addr().Type().Implements(tu)) || fv.Type().Implements(tu)
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("maxLength: invalid integer %q", val)
	}
	if n < 0 {
		return 0, errors.New("maxLength: must be >= 0")
	}
	return n, nil
}

func setFieldFromSource(field reflect.Value, tag sourceTag, fetch fetchFunc, fieldName string) (bool, error) {
	raw, ok := fetch(tag.Name)
	if !ok {
		return false, nil
	}
	for _, val := range raw {
		if tag.MaxLength > 0 && len(val) > tag.MaxLength {
			return false, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", tag.Source, tag.Name, fieldName, tag.MaxLength))
		}
	}
	if err := setFieldFromValues(field, raw); err != nil {
		return false, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", tag.Source, tag.Name, fieldName, err))
	}
	return true, nil
}

func setFieldFromValues(v reflect.Value, values []string) error {
	if len(values) == 0 {
		return nil
	}
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 {
		slice := reflect.MakeSlice(v.Type(), 0, len(values))
		for _, s := range values {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setFieldFromString(elem, s); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		v.Set(slice)
		return nil
	}
	return setFieldFromString(v, values[0])
}

func setFieldFromString(v reflect.Value, s string) error {
	if !v.CanSet() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("field is not settable"))
	}
	if v.CanAddr() {
		if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText([]byte(s))
		}
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
		return nil
	case reflect.Slice:
		v.SetBytes([]byte(s))
		return nil
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
		return nil
	}
	return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("unsupported kind %s", v.Kind()))
}
