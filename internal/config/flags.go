package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var durationType = reflect.TypeOf(time.Duration(0))

type fieldInfo struct {
	configPath string // e.g. "token_store.type"
	flagName   string // e.g. "token-store-type"
	usage      string
	fieldType  reflect.Type
}

// buildFlagMapping walks Config and returns flag name -> config path, based on the koanf tags.
func buildFlagMapping() (map[string]string, []fieldInfo) {
	var fields []fieldInfo
	walkStruct(reflect.TypeOf(Config{}), "", &fields)

	mapping := make(map[string]string, len(fields))
	for _, f := range fields {
		mapping[f.flagName] = f.configPath
	}
	return mapping, fields
}

func walkStruct(t reflect.Type, parentPath string, fields *[]fieldInfo) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("koanf")
		if tag == "" || tag == "-" {
			continue
		}

		configPath := tag
		if parentPath != "" {
			configPath = parentPath + "." + tag
		}

		switch {
		case field.Type == durationType || isScalarType(field.Type):
			*fields = append(*fields, fieldInfo{
				configPath: configPath,
				flagName:   configPathToFlagName(configPath),
				usage:      field.Tag.Get("usage"),
				fieldType:  field.Type,
			})
		case field.Type.Kind() == reflect.Struct:
			walkStruct(field.Type, configPath, fields)
		}
	}
}

func isScalarType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.String, reflect.Bool,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// configPathToFlagName converts "token_store.type" to "token-store-type".
func configPathToFlagName(configPath string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(configPath)
}

// RegisterFlags registers a flag for every scalar config field. Flags carry zero defaults so
// that only flags set explicitly override the file and the environment.
func RegisterFlags(flagSet *pflag.FlagSet) {
	_, fields := buildFlagMapping()
	for _, f := range fields {
		if flagSet.Lookup(f.flagName) != nil {
			continue
		}
		switch {
		case f.fieldType == durationType:
			flagSet.Duration(f.flagName, 0, f.usage)
		case f.fieldType.Kind() == reflect.String:
			flagSet.String(f.flagName, "", f.usage)
		case f.fieldType.Kind() == reflect.Bool:
			flagSet.Bool(f.flagName, false, f.usage)
		case f.fieldType.Kind() >= reflect.Int && f.fieldType.Kind() <= reflect.Int64:
			flagSet.Int(f.flagName, 0, f.usage)
		case f.fieldType.Kind() >= reflect.Uint && f.fieldType.Kind() <= reflect.Uint64:
			flagSet.Uint(f.flagName, 0, f.usage)
		case f.fieldType.Kind() == reflect.Float32 || f.fieldType.Kind() == reflect.Float64:
			flagSet.Float64(f.flagName, 0, f.usage)
		}
	}
}

// FlagMapping returns flag name -> config path.
func FlagMapping() map[string]string {
	mapping, _ := buildFlagMapping()
	return mapping
}
