package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Paths name config values by their JSON keys joined with dots, e.g.
// "executor.docker.image". Fields tagged secret:"true" are masked by Sanitize.

// GetByPath returns the value at path. Sections come back as structs, so a
// caller can print a whole section or a single value.
func GetByPath(cfg *Config, path string) (any, error) {
	v, _, err := lookup(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath parses raw according to the type of the value at path and
// applies it. The result must pass Validate; otherwise cfg is left as it was.
// Only scalar values can be set: maps and lists are edited in the file.
func SetByPath(cfg *Config, path, raw string) error {
	next := *cfg
	v, _, err := lookup(reflect.ValueOf(&next).Elem(), path)
	if err != nil {
		return err
	}
	if !v.CanSet() {
		return fmt.Errorf("%s cannot be set from the command line; edit the config file", path)
	}
	if err := assign(v, raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(&next); err != nil {
		return err
	}
	*cfg = next
	return nil
}

// IsSecret reports whether path names a secret value.
func IsSecret(path string) bool {
	_, field, err := lookup(reflect.ValueOf(Defaults()).Elem(), path)
	return err == nil && field.Tag.Get("secret") == "true"
}

// Sanitize returns a copy of cfg with every secret masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	maskSecrets(reflect.ValueOf(&out).Elem())
	return &out
}

// ListPaths flattens cfg into path -> value for every leaf.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	flatten("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

func lookup(v reflect.Value, path string) (reflect.Value, reflect.StructField, error) {
	if path == "" {
		return reflect.Value{}, reflect.StructField{}, errors.New("empty config path")
	}
	var field reflect.StructField
	parts := strings.Split(path, ".")
	for i, name := range parts {
		switch v.Kind() {
		case reflect.Struct:
			f, ok := fieldByKey(v.Type(), name)
			if !ok {
				return reflect.Value{}, field, fmt.Errorf("unknown config key %q (valid: %s)",
					strings.Join(parts[:i+1], "."), strings.Join(keysOf(v.Type()), ", "))
			}
			v, field = v.FieldByIndex(f.Index), f
		case reflect.Map:
			e := v.MapIndex(reflect.ValueOf(name))
			if !e.IsValid() {
				return reflect.Value{}, field, fmt.Errorf("config key not found: %s", path)
			}
			v = e
		default:
			return reflect.Value{}, field, fmt.Errorf("%s is a %s value, not a section", strings.Join(parts[:i], "."), v.Kind())
		}
	}
	return v, field, nil
}

func assign(v reflect.Value, raw string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("want true or false, got %q", raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("want an integer, got %q", raw)
		}
		v.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("want a number, got %q", raw)
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("%s values are edited in the config file", v.Kind())
	}
	return nil
}

func maskSecrets(v reflect.Value) {
	t := v.Type()
	for i := range t.NumField() {
		f := v.Field(i)
		switch {
		case f.Kind() == reflect.Struct:
			maskSecrets(f)
		case f.Kind() == reflect.String && t.Field(i).Tag.Get("secret") == "true" && f.String() != "":
			f.SetString(mask(f.String()))
		}
	}
}

// mask keeps the first and last four characters of longer secrets.
func mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func flatten(prefix string, v reflect.Value, out map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			if key := jsonKey(t.Field(i)); key != "" {
				flatten(join(key), v.Field(i), out)
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			out[join(fmt.Sprint(iter.Key().Interface()))] = iter.Value().Interface()
		}
	default:
		out[prefix] = v.Interface()
	}
}

func fieldByKey(t reflect.Type, key string) (reflect.StructField, bool) {
	for i := range t.NumField() {
		if f := t.Field(i); jsonKey(f) == key {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

func keysOf(t reflect.Type) []string {
	var keys []string
	for i := range t.NumField() {
		if k := jsonKey(t.Field(i)); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func jsonKey(f reflect.StructField) string {
	if !f.IsExported() {
		return ""
	}
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}
