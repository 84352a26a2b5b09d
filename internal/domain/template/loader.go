package template

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads one or more template versions from a YAML stream. Documents are
// separated by "---"; JSON input is accepted as YAML.
func Load(r io.Reader) ([]*Version, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var out []*Version
	for i := 0; ; i++ {
		var v Version
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("template document %d: %w", i, err)
		}
		if err := Validate(&v); err != nil {
			return nil, fmt.Errorf("template document %d: %w", i, err)
		}
		out = append(out, &v)
	}
	if len(out) == 0 {
		return nil, errors.New("no template documents found")
	}
	return out, nil
}

// LoadFile reads template versions from path.
func LoadFile(path string) ([]*Version, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open template file: %w", err)
	}
	defer f.Close()
	return Load(f)
}
