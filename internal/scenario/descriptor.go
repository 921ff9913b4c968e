package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultDescription = "No description available"

var ErrInvalidDescriptor = errors.New("invalid scenario descriptor")

// descriptorFiles are tried in order; the first one present wins.
var descriptorFiles = []string{"metadata.json", "metadata.yaml", "metadata.yml"}

var difficulties = map[string]bool{"": true, "beginner": true, "intermediate": true, "advanced": true}

// Script is one runnable entry of a scripting scenario. In a descriptor it
// may be written either as an object or as a bare name.
type Script struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"displayName,omitempty" yaml:"displayName"`
	Description string `json:"description,omitempty" yaml:"description"`
}

func (s *Script) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*s = Script{Name: name}
		return nil
	}
	type plain Script
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = Script(p)
	return nil
}

func (s *Script) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*s = Script{Name: n.Value}
		return nil
	}
	type plain Script
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*s = Script(p)
	return nil
}

// Descriptor is the optional metadata file of a scenario directory.
type Descriptor struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Difficulty  string   `json:"difficulty,omitempty" yaml:"difficulty"`
	Scripts     []Script `json:"scripts,omitempty" yaml:"scripts"`
	// Env names host variables passed through to the scenario process.
	Env []string `json:"env,omitempty" yaml:"env"`
	// Command replaces the category launch strategy. It is split with shell
	// quoting rules but never run through a shell.
	Command string `json:"command,omitempty" yaml:"command"`
}

func (d Descriptor) Validate() error {
	if !difficulties[d.Difficulty] {
		return fmt.Errorf("%w: unknown difficulty %q", ErrInvalidDescriptor, d.Difficulty)
	}
	for _, s := range d.Scripts {
		if !isSafeName(s.Name) {
			return fmt.Errorf("%w: bad script name %q", ErrInvalidDescriptor, s.Name)
		}
	}
	for _, name := range d.Env {
		if !isEnvName(name) {
			return fmt.Errorf("%w: bad env name %q", ErrInvalidDescriptor, name)
		}
	}
	if d.Command != "" {
		if _, _, err := splitCommand(d.Command); err != nil {
			return fmt.Errorf("%w: command: %v", ErrInvalidDescriptor, err)
		}
	}
	return nil
}

func (d *Descriptor) applyDefaults(dirName string) {
	if d.Name == "" {
		d.Name = dirName
	}
	if d.Description == "" {
		d.Description = defaultDescription
	}
}

// HasScript reports whether name is declared. A descriptor without scripts declares nothing.
func (d Descriptor) HasScript(name string) bool {
	for _, s := range d.Scripts {
		if s.Name == name {
			return true
		}
	}
	return false
}

// loadDescriptor reads and validates the descriptor of dir. A missing file
// is not an error: defaults are returned instead.
func loadDescriptor(dir string) (Descriptor, error) {
	var d Descriptor
	for _, name := range descriptorFiles {
		p := filepath.Join(dir, name)
		// #nosec G304 -- dir is built from validated names under the scenarios root
		b, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return d, fmt.Errorf("read %s: %w", p, err)
		}
		if filepath.Ext(name) == ".json" {
			err = json.Unmarshal(b, &d)
		} else {
			err = yaml.Unmarshal(b, &d)
		}
		if err != nil {
			return d, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, name, err)
		}
		break
	}
	d.applyDefaults(filepath.Base(dir))
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}
