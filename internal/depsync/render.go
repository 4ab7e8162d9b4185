package depsync

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/mausys/gclient/internal/config"
)

// Render returns the sync tool configuration for solutions. The file is
// evaluated as Python by the tool, so values are written as Python literals.
func Render(solutions []config.Solution, targetOS []string, targetOSOnly bool, cacheDir string) string {
	slns := make([]any, len(solutions))
	for i, s := range solutions {
		slns[i] = solutionLiteral(s)
	}

	var b strings.Builder
	b.WriteString("solutions = ")
	writeLiteral(&b, slns, 0)
	b.WriteString("\n\ncache_dir = ")
	b.WriteString(quote(cacheDir))
	b.WriteString("\n")
	if len(targetOS) > 0 {
		b.WriteString("\ntarget_os=")
		writeLiteral(&b, targetOS, 0)
	}
	b.WriteString("\n\ntarget_os_only=")
	writeLiteral(&b, targetOSOnly, 0)
	b.WriteString("\n")
	return b.String()
}

func solutionLiteral(s config.Solution) map[string]any {
	deps := make(map[string]any, len(s.CustomDeps))
	for name, url := range s.CustomDeps {
		if url == nil {
			deps[name] = nil
		} else {
			deps[name] = *url
		}
	}

	m := map[string]any{
		"name":        s.Name,
		"url":         s.URL,
		"deps_file":   s.DepsFile,
		"managed":     s.Managed,
		"custom_deps": deps,
	}
	if s.DepsFile == "" {
		m["deps_file"] = "DEPS"
	}
	if len(s.CustomVars) > 0 {
		m["custom_vars"] = s.CustomVars
	}
	if s.SafesyncURL != "" {
		m["safesync_url"] = s.SafesyncURL
	}
	return m
}

// writeLiteral renders v as a Python literal. Dicts and lists holding
// containers span several lines; everything else stays on one line.
func writeLiteral(b *strings.Builder, v any, indent int) {
	if v == nil {
		b.WriteString("None")
		return
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			b.WriteString("None")
			return
		}
		writeLiteral(b, rv.Elem().Interface(), indent)
	case reflect.String:
		b.WriteString(quote(rv.String()))
	case reflect.Bool:
		if rv.Bool() {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		b.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.WriteString(strconv.FormatFloat(rv.Float(), 'g', -1, 64))
	case reflect.Slice, reflect.Array:
		writeList(b, rv, indent)
	case reflect.Map:
		writeDict(b, rv, indent)
	default:
		b.WriteString(quote(fmt.Sprint(v)))
	}
}

func writeList(b *strings.Builder, rv reflect.Value, indent int) {
	if rv.Len() == 0 {
		b.WriteString("[]")
		return
	}

	nested := false
	for i := range rv.Len() {
		if isContainer(rv.Index(i)) {
			nested = true
			break
		}
	}

	if !nested {
		b.WriteString("[")
		for i := range rv.Len() {
			if i > 0 {
				b.WriteString(", ")
			}
			writeLiteral(b, rv.Index(i).Interface(), indent)
		}
		b.WriteString("]")
		return
	}

	pad := strings.Repeat("    ", indent+1)
	b.WriteString("[\n")
	for i := range rv.Len() {
		b.WriteString(pad)
		writeLiteral(b, rv.Index(i).Interface(), indent+1)
		b.WriteString(",\n")
	}
	b.WriteString(strings.Repeat("    ", indent))
	b.WriteString("]")
}

func writeDict(b *strings.Builder, rv reflect.Value, indent int) {
	if rv.Len() == 0 {
		b.WriteString("{}")
		return
	}

	keys := map[string]reflect.Value{}
	for _, k := range rv.MapKeys() {
		keys[fmt.Sprint(k.Interface())] = k
	}

	pad := strings.Repeat("    ", indent+1)
	b.WriteString("{\n")
	for _, name := range slices.Sorted(maps.Keys(keys)) {
		b.WriteString(pad)
		b.WriteString(quote(name))
		b.WriteString(": ")
		writeLiteral(b, rv.MapIndex(keys[name]).Interface(), indent+1)
		b.WriteString(",\n")
	}
	b.WriteString(strings.Repeat("    ", indent))
	b.WriteString("}")
}

func isContainer(v reflect.Value) bool {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return true
	}
	return false
}

var quoter = strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

func quote(s string) string {
	return "'" + quoter.Replace(s) + "'"
}
