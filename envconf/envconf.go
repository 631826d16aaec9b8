// Package envconf fills configuration structs from environment variables described by struct tags.
//
//	type Config struct {
//		APIURL envconf.Secret   `env:"UPLOADER_API_URL,required"`
//		Class  string           `env:"UPLOADER_DEVICE_CLASS,opt[desktop,mobile]"`
//		Paths  []string         `env:"UPLOADER_PATHS,required"`
//		Chunk  envconf.ByteSize `env:"UPLOADER_CHUNK_SIZE"`
//		Stall  time.Duration    `env:"UPLOADER_STALL_THRESHOLD"`
//	}
//
// Slices are separated by '|'. An unset or empty variable leaves the field untouched, so defaults
// can be assigned before parsing.
package envconf

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

const (
	tagName        = "env"
	sliceSeparator = "|"

	rangeRequired = "required"
	rangeFile     = "file"
	rangeDir      = "dir"
	optionsPrefix = "opt["
)

// ErrNotStructPtr is returned when Parse is not given a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// ErrRequired is returned when a required variable is missing or empty.
var ErrRequired = errors.New("required variable is not present")

// EnvGetter is the read side of env.Repository.
type EnvGetter interface {
	Get(key string) string
}

// Secret is a string that is masked when the configuration is printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// ByteSize is a size given in human form, like 70MiB or 256k.
type ByteSize int64

// String ...
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	byteSizeType = reflect.TypeOf(ByteSize(0))
)

// InputParser ...
type InputParser interface {
	Parse(input interface{}) error
}

type defaultInputParser struct {
	envGetter   EnvGetter
	pathChecker pathutil.PathChecker
}

// NewInputParser ...
func NewInputParser(envGetter EnvGetter) InputParser {
	return defaultInputParser{
		envGetter:   envGetter,
		pathChecker: pathutil.NewPathChecker(),
	}
}

// Parse ...
func (p defaultInputParser) Parse(input interface{}) error {
	return parse(input, p.envGetter, p.pathChecker)
}

// Parse populates a struct with the values of the environment variables named by its `env` tags.
func Parse(conf interface{}, envGetter EnvGetter) error {
	return NewInputParser(envGetter).Parse(conf)
}

func parse(conf interface{}, envGetter EnvGetter, pathChecker pathutil.PathChecker) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr || c.IsNil() {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []string
	for i := 0; i < c.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup(tagName)
		if !ok {
			continue
		}
		key, constraint := splitTagIntoKeyAndConstraint(tag)
		value := envGetter.Get(key)

		if err := validateConstraint(value, constraint, pathChecker); err != nil {
			errs = append(errs, fmt.Sprintf("- %s: %s", key, err))
			continue
		}
		if err := setField(c.Field(i), value); err != nil {
			errs = append(errs, fmt.Sprintf("- %s: %s", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to parse config:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func splitTagIntoKeyAndConstraint(tag string) (string, string) {
	key, constraint, _ := strings.Cut(tag, ",")
	return key, constraint
}

func validateConstraint(value, constraint string, pathChecker pathutil.PathChecker) error {
	switch constraint {
	case "":
		return nil
	case rangeRequired:
		if value == "" {
			return ErrRequired
		}
		return nil
	}

	if value == "" {
		return nil
	}

	switch {
	case constraint == rangeFile, constraint == rangeDir:
		return checkPath(value, constraint == rangeDir, pathChecker)
	case strings.HasPrefix(constraint, optionsPrefix) && strings.HasSuffix(constraint, "]"):
		opts, err := parseOptions(strings.TrimSuffix(strings.TrimPrefix(constraint, optionsPrefix), "]"))
		if err != nil {
			return err
		}
		for _, opt := range opts {
			if opt == value {
				return nil
			}
		}
		return fmt.Errorf("value is not in value options (%s)", strings.Join(opts, ", "))
	default:
		return fmt.Errorf("invalid constraint (%s)", constraint)
	}
}

func checkPath(path string, dir bool, pathChecker pathutil.PathChecker) error {
	var exists bool
	var err error
	if dir {
		exists, err = pathChecker.IsDirExists(path)
	} else {
		exists, err = pathChecker.IsPathExists(path)
	}
	if err != nil {
		return err
	}
	if !exists {
		if dir {
			return fmt.Errorf("dir not exist: %s", path)
		}
		return fmt.Errorf("file not exist: %s", path)
	}
	return nil
}

// parseOptions splits opt[a,b,'c,d'] contents; single quotes protect commas.
func parseOptions(s string) ([]string, error) {
	var opts []string
	var current strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			opts = append(opts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote in value options: %s", s)
	}
	return append(opts, current.String()), nil
}

func setField(field reflect.Value, value string) error {
	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		v := reflect.New(field.Type().Elem())
		if err := setField(v.Elem(), value); err != nil {
			return err
		}
		field.Set(v)
		return nil
	}

	switch field.Type() {
	case durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("can't convert value to duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	case byteSizeType:
		n, err := units.RAMInBytes(value)
		if err != nil {
			return fmt.Errorf("can't convert value to size: %w", err)
		}
		field.SetInt(n)
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert value to int: %w", err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert value to uint: %w", err)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert value to float: %w", err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		items := strings.Split(strings.TrimSuffix(value, sliceSeparator), sliceSeparator)
		slice := reflect.MakeSlice(field.Type(), 0, len(items))
		for _, item := range items {
			elem := reflect.New(field.Type().Elem()).Elem()
			if err := setField(elem, item); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		field.Set(slice)
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y", "true", "1":
		return true, nil
	case "no", "n", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("can't convert value to bool: %s", value)
}
