package config

import (
	"flag"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// skippedConfigFlags is the list of command line flags that can't be set from the config file.
var skippedConfigFlags = []string{"print_version", "config_file"}

// yamlName returns the key of `field` in the config file.
func yamlName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
	return name
}

// getDefinedFlags returns the set of flag names declared on Config.
func getDefinedFlags() (map[ /*flagName*/ string]struct{}, error) {
	flagSet := make(map[string]struct{})
	confType := reflect.TypeFor[Config]()
	for fieldIdx := 0; fieldIdx < confType.NumField(); fieldIdx++ {
		flagName := yamlName(confType.Field(fieldIdx))
		if flagName == "" {
			return nil, fmt.Errorf("config field %s has no yaml name", confType.Field(fieldIdx).Name)
		}
		if _, exists := flagSet[flagName]; exists {
			return nil, fmt.Errorf("duplicate flag name '%s' in config", flagName)
		}
		flagSet[flagName] = struct{}{}
	}
	return flagSet, nil
}

// CollectUnregisteredFlags collects all flags that haven't been declared on Config.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	definedFlags, err := getDefinedFlags()
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := definedFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been declared in config", f.Name))
		}
	})
	return errs
}
