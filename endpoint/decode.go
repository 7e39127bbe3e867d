package endpoint

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// DefaultFormMemory is the memory budget for multipart form parsing. Larger
// uploads spill to temporary files inside net/http.
var DefaultFormMemory int64 = 32 << 20

// defaultFieldLimit bounds individual non-body values.
var defaultFieldLimit = 16 * 1024

// sources in precedence order.
var sources = []string{"path", "query", "form", "header", "body"}

// Unmarshal populates dst, a non-nil pointer to a struct, from r.
//
// Struct tags select the source of each field:
//   - `path:"name"`   r.PathValue(name)
//   - `query:"name"`  URL query values
//   - `form:"name"`   urlencoded or multipart form values; a
//     []*multipart.FileHeader field receives uploaded files
//   - `header:"name"` request headers
//   - `body:""`       the raw request body
//
// A tag may carry flags after the name: `json` decodes the value as JSON,
// `base64` / `base64url` decode into []byte. Body fields that are not
// string or []byte default to `json`. `maxLength:"n"` bounds the value
// length (default 16KB; `maxLength:""` or `"0"` means unlimited, and body
// fields are unlimited unless tagged). Untagged nested structs are decoded
// recursively. Fields with no value present are left unchanged.
//
// Form values are only read when the body is not JSON, so a JSON body stays
// available to a `body` field.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	d := &decoder{r: r, query: url.Values{}, form: url.Values{}}
	if r.URL != nil {
		d.query = r.URL.Query()
	}
	if !RequestBodyIsJSON(r) && structWantsForm(root.Type()) {
		form, files, err := ParseForm(r, DefaultFormMemory)
		if err != nil {
			return err
		}
		d.form, d.files = form, files
	}
	return d.decodeStruct(root)
}

// RequestBodyIsJSON reports whether r carries a body with a JSON media type.
func RequestBodyIsJSON(r *http.Request) bool {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return false
	}
	mt := MediaType(r)
	return strings.HasPrefix(mt, "application/json") || strings.HasSuffix(mt, "+json")
}

// MediaType returns the lowercased media type of r's Content-Type, without
// parameters. A malformed header is returned lowercased as-is.
func MediaType(r *http.Request) string {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(ct)
	}
	return strings.ToLower(mt)
}

// ParseForm parses query and body form values of r, including multipart
// bodies, and returns the merged values together with any uploaded files.
// Parsing is idempotent: a request already parsed is not read again.
func ParseForm(r *http.Request, maxMemory int64) (url.Values, map[string][]*multipart.FileHeader, error) {
	if MediaType(r) == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxMemory); err != nil {
			return url.Values{}, nil, Error(http.StatusBadRequest, "", fmt.Errorf("parse multipart form: %w", err))
		}
		var files map[string][]*multipart.FileHeader
		if r.MultipartForm != nil {
			files = r.MultipartForm.File
		}
		return r.Form, files, nil
	}
	if err := r.ParseForm(); err != nil {
		return url.Values{}, nil, Error(http.StatusBadRequest, "", fmt.Errorf("parse form: %w", err))
	}
	return r.Form, nil, nil
}

// structWantsForm reports whether any field (recursively) has a form tag.
// Parsing the form consumes urlencoded bodies, so it is skipped otherwise.
func structWantsForm(t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if _, ok := sf.Tag.Lookup("form"); ok {
			return true
		}
		ft := sf.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct && sf.Tag == "" && structWantsForm(ft) {
			return true
		}
	}
	return false
}

type decoder struct {
	r     *http.Request
	query url.Values
	form  url.Values
	files map[string][]*multipart.FileHeader
}

type fieldTag struct {
	source   string
	name     string
	encoding string
	limit    int
}

var (
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
	fileHeadersType     = reflect.TypeFor[[]*multipart.FileHeader]()
)

func (d *decoder) decodeStruct(sv reflect.Value) error {
	t := sv.Type()
	bodyField := ""
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := sv.Field(i)

		tags, err := parseFieldTags(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		if len(tags) == 0 {
			if isStructLike(fv) {
				nested := fv
				if nested.Kind() == reflect.Pointer {
					if nested.IsNil() {
						nested.Set(reflect.New(nested.Type().Elem()))
					}
					nested = nested.Elem()
				}
				if err := d.decodeStruct(nested); err != nil {
					return err
				}
			}
			continue
		}

		for _, tag := range tags {
			if tag.name == "-" {
				break
			}
			if tag.source == "body" {
				if bodyField != "" {
					return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: multiple body fields: %s and %s", bodyField, sf.Name))
				}
				bodyField = sf.Name
			}
			ok, err := d.setField(fv, sf.Name, tag)
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

func isStructLike(fv reflect.Value) bool {
	t := fv.Type()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return false
	}
	return !reflect.PointerTo(t).Implements(textUnmarshalerType)
}

func parseFieldTags(sf reflect.StructField) ([]fieldTag, error) {
	limit, err := fieldLimit(sf)
	if err != nil {
		return nil, err
	}
	var tags []fieldTag
	for _, src := range sources {
		raw, ok := sf.Tag.Lookup(src)
		if !ok {
			continue
		}
		parts := strings.Split(raw, ",")
		tag := fieldTag{source: src, name: strings.TrimSpace(parts[0]), limit: limit}
		if tag.name == "" {
			tag.name = strings.ToLower(sf.Name)
		}
		for _, p := range parts[1:] {
			switch flag := strings.ToLower(strings.TrimSpace(p)); flag {
			case "":
			case "json", "base64", "base64url":
				if tag.encoding != "" {
					return nil, errors.New("multiple encoding flags")
				}
				tag.encoding = flag
			default:
				return nil, fmt.Errorf("unknown %s tag flag %q", src, flag)
			}
		}
		if src == "body" {
			if _, has := sf.Tag.Lookup("maxLength"); !has {
				tag.limit = 0
			}
			if tag.encoding == "" && !isStringOrBytes(sf.Type) {
				tag.encoding = "json"
			}
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

func fieldLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("maxLength: invalid value %q", val)
	}
	return n, nil
}

func isStringOrBytes(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.String || (t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8)
}

// lookup returns the raw values for tag, and whether any were present.
func (d *decoder) lookup(tag fieldTag) ([]string, bool, error) {
	switch tag.source {
	case "path":
		v := d.r.PathValue(tag.name)
		return []string{v}, v != "", nil
	case "query":
		vs, ok := d.query[tag.name]
		return vs, ok && len(vs) > 0, nil
	case "form":
		vs, ok := d.form[tag.name]
		return vs, ok && len(vs) > 0, nil
	case "header":
		vs := d.r.Header[http.CanonicalHeaderKey(tag.name)]
		return vs, len(vs) > 0, nil
	case "body":
		if d.r.Body == nil || d.r.Body == http.NoBody {
			return nil, false, nil
		}
		if tag.encoding == "json" && !RequestBodyIsJSON(d.r) {
			mt := MediaType(d.r)
			if mt == "" {
				mt = "(missing)"
			}
			return nil, false, Error(http.StatusUnsupportedMediaType, "", fmt.Errorf("endpoint: decode: body: unsupported media type %s", mt))
		}
		var src io.Reader = d.r.Body
		if tag.limit > 0 {
			src = io.LimitReader(d.r.Body, int64(tag.limit)+1)
		}
		b, err := io.ReadAll(src)
		if err != nil {
			return nil, false, Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: body: %w", err))
		}
		return []string{string(b)}, true, nil
	}
	return nil, false, nil
}

func (d *decoder) setField(fv reflect.Value, fieldName string, tag fieldTag) (bool, error) {
	if tag.source == "form" && fv.Type() == fileHeadersType {
		if hs := d.files[tag.name]; len(hs) > 0 {
			fv.Set(reflect.ValueOf(hs))
			return true, nil
		}
	}

	vals, ok, err := d.lookup(tag)
	if err != nil || !ok {
		return false, err
	}
	for _, v := range vals {
		if tag.limit > 0 && len(v) > tag.limit {
			return false, Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", tag.source, tag.name, fieldName, tag.limit))
		}
	}
	if err := setValues(fv, vals, tag.encoding); err != nil {
		return false, Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", tag.source, tag.name, fieldName, err))
	}
	return true, nil
}

func setValues(v reflect.Value, vals []string, enc string) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	isBytes := v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
	if v.Kind() == reflect.Slice && !isBytes && enc != "json" {
		out := reflect.MakeSlice(v.Type(), 0, len(vals))
		for _, s := range vals {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setValue(elem, s, enc); err != nil {
				return err
			}
			out = reflect.Append(out, elem)
		}
		v.Set(out)
		return nil
	}
	return setValue(v, vals[0], enc)
}

func setValue(v reflect.Value, s string, enc string) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	switch enc {
	case "json":
		return json.Unmarshal([]byte(s), v.Addr().Interface())
	case "base64", "base64url":
		if v.Kind() != reflect.Slice || v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("encoding %q not supported for type %s", enc, v.Type())
		}
		codec := base64.StdEncoding
		if enc == "base64url" {
			codec = base64.RawURLEncoding
		}
		b, err := codec.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		v.SetBytes(b)
		return nil
	}

	if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(s))
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("unsupported kind %s", v.Kind())
		}
		v.SetBytes([]byte(s))
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}
