package hvtsim

// desc-scenario.go holds the file handling for scenario descriptions and the
// helpers used by cmd/hvtsim to check the files it is asked to read and write.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// UseYAML reports whether a file name selects YAML serialization. Any other
// extension is treated as JSON.
func UseYAML(filename string) bool {
	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		return true
	}
	return false
}

// marshalByExt serializes v as YAML or JSON depending on the extension of filename.
func marshalByExt(filename string, v any) ([]byte, error) {
	pathExt := path.Ext(filename)
	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		return yaml.Marshal(v)
	case ".json", ".JSON":
		return json.MarshalIndent(v, "", "\t")
	}
	return nil, fmt.Errorf("file %s: unrecognized extension %q, want .yaml, .yml or .json", filename, pathExt)
}

// writeByExt serializes v and stores it to filename.
func writeByExt(filename string, v any) error {
	bytes, err := marshalByExt(filename, v)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, bytes, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

// WriteToFile stores the ScenarioConfig to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (sc *ScenarioConfig) WriteToFile(filename string) error {
	return writeByExt(filename, *sc)
}

// ReadScenarioConfig deserializes a byte slice holding a representation of a
// ScenarioConfig. If dict is empty the file whose name is given is read to
// acquire the bytes. Fields absent from the input keep their default values,
// so a file only needs to name what it changes.
func ReadScenarioConfig(filename string, useYAML bool, dict []byte) (*ScenarioConfig, error) {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		fileInfo, err := os.Stat(filename)
		if os.IsNotExist(err) || (err == nil && fileInfo.IsDir()) {
			return nil, fmt.Errorf("scenario %s does not exist or cannot be read", filename)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read scenario %s: %w", filename, err)
		}
	}

	cfg := DefaultScenarioConfig()

	// yaml and json replace slices wholesale, so a file listing sources or
	// positions overrides the defaults rather than merging with them
	if useYAML {
		err = yaml.Unmarshal(dict, &cfg)
	} else {
		err = json.Unmarshal(dict, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode scenario %s: %w", filename, err)
	}

	return &cfg, nil
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}

// CheckOutputFiles checks that the directory of every named output file exists.
func CheckOutputFiles(names []string) (bool, error) {
	return CheckFiles(names, false)
}

// CheckFiles checks the file system for permitted access to all the
// argument filenames, optionally checking also for the existence
// of those files for the purposes of reading them.
func CheckFiles(names []string, checkExistence bool) (bool, error) {
	errs := make([]error, 0)

	for _, name := range names {
		// skip unset names
		if len(name) == 0 {
			continue
		}

		// split off the directory portion of the path
		directory, _ := filepath.Split(name)
		if directory == "" {
			directory = "."
		}
		if _, err := os.Stat(directory); err != nil {
			errs = append(errs, err)
		}

		if checkExistence {
			if _, err := os.Stat(name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) == 0 {
		return true, nil
	}
	return false, ReportErrs(errs)
}
