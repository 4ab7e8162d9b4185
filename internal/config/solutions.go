package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"

	"github.com/mausys/gclient/internal/logging"
)

// Specs is the checkout description handed to botupdate: the solutions and
// the platform selection forwarded to the sync tool.
type Specs struct {
	Solutions    []Solution `json:"solutions"`
	TargetOS     []string   `json:"target_os,omitempty"`
	TargetOSOnly bool       `json:"target_os_only,omitempty"`
}

// Solution is a top-level repository with its own dependency manifest.
type Solution struct {
	Name        string             `json:"name"`
	URL         string             `json:"url"`
	DepsFile    string             `json:"deps_file,omitempty"`
	Managed     bool               `json:"managed"`
	CustomDeps  map[string]*string `json:"custom_deps,omitempty"` // A nil URL removes the dependency.
	CustomVars  map[string]any     `json:"custom_vars,omitempty"`
	SafesyncURL string             `json:"safesync_url,omitempty"`
}

// CanonicalDepsFile returns the manifest name hooks and patches refer to.
func (s Solution) CanonicalDepsFile() string {
	if s.DepsFile == "" {
		return "DEPS"
	}
	return strings.ReplaceAll(s.DepsFile, ".DEPS.git", "DEPS")
}

// Dir returns the checkout directory of the solution relative to the build dir.
func (s Solution) Dir() string {
	return strings.Trim(s.Name, "/")
}

func ParseSpecsFile(filename string) (*Specs, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read specs file %s: %w", filename, err)
	}
	return ParseSpecs(bs)
}

// ParseSpecs decodes a YAML or JSON specs document.
func ParseSpecs(bs []byte) (*Specs, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal specs: %w", err)
	}

	var specs Specs
	if err := decode(raw, &specs); err != nil {
		return nil, fmt.Errorf("failed to decode specs: %w", err)
	}

	if len(specs.Solutions) == 0 {
		return nil, errors.New("specs: no solutions")
	}
	for i, s := range specs.Solutions {
		if s.Dir() == "" || s.URL == "" {
			return nil, fmt.Errorf("specs: solution %d: name and url are required", i)
		}
	}

	return &specs, nil
}

// Prepare turns every solution into a plain unmanaged git checkout: managed
// mode is switched off and safesync URLs are dropped.
func (s *Specs) Prepare(log *logging.Logger) {
	for i := range s.Solutions {
		sln := &s.Solutions[i]
		sln.Managed = false
		if sln.SafesyncURL != "" {
			log.Warnf("removing safesync url %s from %s", sln.SafesyncURL, sln.Name)
			sln.SafesyncURL = ""
		}
	}
}

// Names returns the checkout directory of every solution, in order.
func (s *Specs) Names() []string {
	names := make([]string, len(s.Solutions))
	for i, sln := range s.Solutions {
		names[i] = sln.Dir()
	}
	return names
}

// we use this one so we don't need duplicate tags on every struct
func decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		TagName:  "json",
		Metadata: nil,
		Result:   output,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}
