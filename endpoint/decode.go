package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxBodyBytes bounds the request body read for a `body` field.
var MaxBodyBytes int64 = 1 << 20

// defaultFieldLimit bounds a single query or header value.
const defaultFieldLimit = 16 * 1024

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by the name the client sent.
	v.RegisterTagNameFunc(func(sf reflect.StructField) string {
		for _, key := range []string{"json", "query", "header"} {
			name, _, _ := strings.Cut(sf.Tag.Get(key), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return sf.Name
	})
	return v
}

// Unmarshal populates dst (a non-nil pointer to a struct) from the request
// and validates the result.
//
// Supported struct tags:
//   - `query:"name"` a URL query parameter
//   - `header:"name"` a request header
//   - `body:"json"` the whole request body, decoded as JSON into the field
//   - `validate:"..."` validator rules, checked after decoding
//
// Query and header values decode into string, bool, integer and unsigned
// integer fields. A missing value leaves the field unchanged. An empty name
// defaults to the lowercased field name.
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

	query := r.URL.Query()
	t := root.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		field := root.Field(i)

		if tag, ok := sf.Tag.Lookup("body"); ok {
			if tag != "json" {
				return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: unsupported body encoding %q", sf.Name, tag))
			}
			if err := decodeJSONBody(r, field); err != nil {
				return err
			}
			continue
		}

		var raw string
		var found bool
		if name, ok := tagName(sf, "query"); ok {
			if vals, present := query[name]; present && len(vals) > 0 {
				raw, found = vals[0], true
			}
		} else if name, ok := tagName(sf, "header"); ok {
			if vals := r.Header.Values(name); len(vals) > 0 {
				raw, found = vals[0], true
			}
		}
		if !found {
			continue
		}
		if len(raw) > defaultFieldLimit {
			return Error(http.StatusBadRequest, fmt.Sprintf("parameter %s too long", fieldName(sf)), nil)
		}
		if err := setFromString(field, raw); err != nil {
			return Error(http.StatusBadRequest, fmt.Sprintf("invalid parameter %s", fieldName(sf)), err)
		}
	}

	return Validate(root.Interface())
}

// Validate runs struct validation and maps failures to a 400 EndpointError
// whose Details lists the failing fields.
func Validate(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return Error(http.StatusBadRequest, "invalid request", err)
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
	}
	return &EndpointError{
		Status:  http.StatusBadRequest,
		Message: "invalid request",
		Details: strings.Join(details, "; "),
		Cause:   err,
	}
}

func decodeJSONBody(r *http.Request, field reflect.Value) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || (mt != "application/json" && !strings.HasSuffix(mt, "+json")) {
			return Error(http.StatusUnsupportedMediaType, "Content-Type must be application/json", err)
		}
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return Error(http.StatusBadRequest, "read body", err)
	}
	if int64(len(body)) > MaxBodyBytes {
		return Error(http.StatusRequestEntityTooLarge, "", nil)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, field.Addr().Interface()); err != nil {
		return Error(http.StatusBadRequest, "invalid JSON body", err)
	}
	return nil
}

func tagName(sf reflect.StructField, key string) (string, bool) {
	tag, ok := sf.Tag.Lookup(key)
	if !ok || tag == "-" {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = strings.ToLower(sf.Name)
	}
	return name, true
}

func fieldName(sf reflect.StructField) string {
	for _, key := range []string{"query", "header"} {
		if name, ok := tagName(sf, key); ok {
			return name
		}
	}
	return sf.Name
}

func setFromString(v reflect.Value, s string) error {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
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
	default:
		return fmt.Errorf("unsupported field kind %s", v.Kind())
	}
	return nil
}
