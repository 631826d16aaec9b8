package envconf

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Print logs the configuration struct, one field per line. Secrets are masked and empty values
// are shown as <unset>.
func Print(config interface{}, logger log.Logger) {
	logger.Println()
	logger.Infof("%s:", structName(config))
	logger.Printf("%s", toString(config))
}

func structName(config interface{}) string {
	t := reflect.TypeOf(config)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" {
		return "Config"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	t := reflect.TypeOf(config)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
		t = t.Elem()
	}
	if v.Kind() != reflect.Struct {
		return fmt.Sprintf("%v", config)
	}

	var lines []string
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		key := t.Field(i).Name
		if tag, ok := t.Field(i).Tag.Lookup(tagName); ok {
			key, _ = splitTagIntoKeyAndConstraint(tag)
		}
		value := valueString(v.Field(i))
		if value == "" || v.Field(i).IsZero() {
			value = "<unset>"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", key, value))
	}
	return strings.Join(lines, "\n")
}

func valueString(v reflect.Value) string {
	if v.Kind() != reflect.Ptr {
		if s, ok := v.Interface().(fmt.Stringer); ok {
			return s.String()
		}
		if v.Kind() == reflect.Slice {
			items := make([]string, 0, v.Len())
			for i := 0; i < v.Len(); i++ {
				items = append(items, valueString(v.Index(i)))
			}
			return strings.Join(items, sliceSeparator)
		}
		return fmt.Sprintf("%v", v.Interface())
	}

	if !v.IsNil() {
		return valueString(v.Elem())
	}
	return ""
}
