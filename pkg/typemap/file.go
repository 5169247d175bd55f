package typemap

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// typeMapFile is the on-disk layout of a standalone type map file. Either
// form may be used, and both may be combined:
//
//	sensor_types:
//	  temperature: 1
//	  humidity: 2
//	sensor_type_mapping:
//	  - co2:3
type typeMapFile struct {
	SensorTypes       yaml.Node `yaml:"sensor_types"`
	SensorTypeMapping []string  `yaml:"sensor_type_mapping"`
}

// LoadFile reads a YAML type map file.
func LoadFile(path string) (*TypeMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read type map file %s: %w", path, err)
	}
	return parseYAML(data)
}

func parseYAML(data []byte) (*TypeMap, error) {
	var f typeMapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal type map YAML: %w", err)
	}

	fromList, err := Parse(f.SensorTypeMapping)
	if err != nil {
		return nil, err
	}

	// Walk the mapping node by hand so duplicate keys surface as
	// ErrDuplicateKey instead of a generic decode error.
	fromMapping := &TypeMap{codes: map[string]int{}}
	if f.SensorTypes.Kind == yaml.MappingNode {
		content := f.SensorTypes.Content
		for i := 0; i+1 < len(content); i += 2 {
			var code int
			if err := content[i+1].Decode(&code); err != nil {
				return nil, fmt.Errorf("sensor_types.%s (line %d): code is not an integer: %w",
					content[i].Value, content[i+1].Line, ErrMalformedEntry)
			}
			if err := add(fromMapping.codes, content[i].Value, code); err != nil {
				return nil, err
			}
		}
	} else if f.SensorTypes.Kind != 0 {
		return nil, fmt.Errorf("sensor_types must be a mapping (line %d): %w", f.SensorTypes.Line, ErrMalformedEntry)
	}

	return Merge(fromMapping, fromList)
}
