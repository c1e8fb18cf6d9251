package endpoint

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultBodyLimit caps JSON request bodies.
var defaultBodyLimit int64 = 64 << 10 // 64KB
var defaultFieldLimit int = 16 * 1024 // 16KB

// Unmarshal populates dst (must be a non-nil pointer) from the request.
//
// Supported sources:
//   - query params: r.URL.Query()
//   - request body: r.Body, decoded as JSON (via `body` tag)
//   - headers: r.Header (via `header` tag)
//   - cookies: r.Cookie(name)
//
// Supported structtags:
//   - `query:"name"`
//   - `header:"name"`
//   - `cookie:"name"`
//   - `body:",json"` decodes the whole JSON request body into the field
//   - `maxLength:"n"` to set the maximum byte length for a field value
//
// If multiple source tags are present on the same field, precedence is:
// query, body, header, cookie. If no data is present for a field, it is left
// unchanged. Cookie and header values are trimmed.
//
// A field tagged `body` requires Content-Type application/json (or +json);
// other media types fail with 415 Unsupported Media Type. Malformed JSON fails
// with 400.
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

	rt := root.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := root.Field(i)

		if name, ok := sourceTag(sf, "query"); ok {
			if vals, present := q[name]; present && len(vals) > 0 {
				if err := setField(fv, sf, vals[0]); err != nil {
					return err
				}
				continue
			}
		}
		if _, ok := sf.Tag.Lookup("body"); ok {
			if err := decodeBody(r, fv); err != nil {
				return err
			}
			continue
		}
		if name, ok := sourceTag(sf, "header"); ok {
			if s := strings.TrimSpace(r.Header.Get(name)); s != "" {
				if err := setField(fv, sf, s); err != nil {
					return err
				}
				continue
			}
		}
		if name, ok := sourceTag(sf, "cookie"); ok {
			if c, err := r.Cookie(name); err == nil {
				if s := strings.TrimSpace(c.Value); s != "" {
					if err := setField(fv, sf, s); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// sourceTag returns the parameter name for a source tag. An empty name
// defaults to the lowercased field name; "-" disables the source.
func sourceTag(sf reflect.StructField, key string) (string, bool) {
	tag, ok := sf.Tag.Lookup(key)
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return "", false
	}
	if name == "" {
		name = strings.ToLower(sf.Name)
	}
	return name, true
}

func requestBodyIsJSON(r *http.Request) bool {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	mt = strings.ToLower(mt)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func decodeBody(r *http.Request, fv reflect.Value) error {
	if !requestBodyIsJSON(r) {
		return newEndpointError(http.StatusUnsupportedMediaType, "Expected application/json request body.", nil)
	}
	if r.Body == nil || r.Body == http.NoBody {
		return newEndpointError(http.StatusBadRequest, "Invalid JSON body.", nil)
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, defaultBodyLimit+1))
	if err != nil {
		return newEndpointError(http.StatusBadRequest, "Invalid JSON body.", err)
	}
	if int64(len(b)) > defaultBodyLimit {
		return newEndpointError(http.StatusRequestEntityTooLarge, "Request body is too large.", nil)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(fv.Addr().Interface()); err != nil {
		return newEndpointError(http.StatusBadRequest, "Invalid JSON body.", err)
	}
	return nil
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("endpoint: decode: invalid maxLength tag %q on %s", tag, sf.Name)
	}
	return n, nil
}

func setField(fv reflect.Value, sf reflect.StructField, s string) error {
	limit, err := fieldLengthLimit(sf)
	if err != nil {
		return newEndpointError(http.StatusInternalServerError, "", err)
	}
	if limit > 0 && len(s) > limit {
		return newEndpointError(http.StatusBadRequest, fmt.Sprintf("Parameter %s is too long.", sf.Name), nil)
	}

	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		fv = fv.Elem()
	}
	if fv.CanAddr() {
		if tu, ok := fv.Addr().Interface().(encoding.TextUnmarshaler); ok {
			if err := tu.UnmarshalText([]byte(s)); err != nil {
				return newEndpointError(http.StatusBadRequest, fmt.Sprintf("Invalid parameter %s.", sf.Name), err)
			}
			return nil
		}
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return newEndpointError(http.StatusBadRequest, fmt.Sprintf("Invalid parameter %s.", sf.Name), err)
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, fv.Type().Bits())
		if err != nil {
			return newEndpointError(http.StatusBadRequest, fmt.Sprintf("Invalid parameter %s.", sf.Name), err)
		}
		fv.SetInt(n)
	default:
		return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: unsupported field type %s for %s", fv.Type(), sf.Name))
	}
	return nil
}
