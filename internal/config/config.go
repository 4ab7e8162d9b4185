package config

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/goccy/go-yaml"
)

// Internal configuration data structures for botupdate. The defaults encode
// the tuning of the fleet the tool was written for; every value can be
// overridden per host.

const (
	DefaultProcessAttempts    = 5
	DefaultBackoffBase        = 4.0
	DefaultHeartbeatInterval  = Duration(5 * time.Minute)
	DefaultSolutionAttempts   = 60
	DefaultSolutionRetryDelay = Duration(5 * time.Second)
	DefaultShallowThresholdGB = 100
	DefaultLargeRepoURL       = "https://chromium.googlesource.com/chromium/src.git"
	DefaultReviewServer       = "codereview.chromium.org"
)

// Root is the top-level configuration structure used by botupdate.
type Root struct {
	Activation          *Activation                `json:"activation,omitempty"`
	Tuning              Tuning                     `json:"tuning,omitzero"`
	Tools               Tools                      `json:"tools,omitzero"`
	GotRevisionMappings map[string]RevisionMapping `json:"got_revision_mappings,omitempty"` // Keyed by the URL of the first solution.
	Logging             Logging                    `json:"logging,omitzero"`

	_ struct{} `additionalProperties:"false"`
}

// Activation decides on which hosts the checkout runs. Names are glob
// patterns. A host is active when it matches an enabled entry and no disabled
// entry, and the optional Rego policy agrees.
type Activation struct {
	EnabledMasters   StringSet            `json:"enabled_masters,omitempty"`
	EnabledBuilders  map[string]StringSet `json:"enabled_builders,omitempty"`  // master -> builders
	EnabledSlaves    map[string]StringSet `json:"enabled_slaves,omitempty"`    // master -> slaves
	DisabledBuilders map[string]StringSet `json:"disabled_builders,omitempty"` // master -> builders
	DisabledSlaves   map[string]StringSet `json:"disabled_slaves,omitempty"`   // master -> slaves
	Policy           string               `json:"policy,omitempty"`            // Rego module source.
	Query            string               `json:"query,omitempty"`             // Boolean Rego query, e.g. data.botupdate.allow.

	_ struct{} `additionalProperties:"false"`
}

// Tuning holds the retry, timing and size knobs of a run.
type Tuning struct {
	ProcessAttempts    int       `json:"process_attempts,omitempty"`
	BackoffBase        float64   `json:"backoff_base,omitempty"`
	HeartbeatInterval  Duration  `json:"heartbeat_interval,omitzero"`
	SolutionAttempts   int       `json:"solution_attempts,omitempty"`
	SolutionRetryDelay Duration  `json:"solution_retry_delay,omitzero"`
	ShallowThresholdGB int       `json:"shallow_threshold_gb,omitempty"`
	LargeRepoURL       string    `json:"large_repo_url,omitempty"`
	FatalPatterns      StringSet `json:"fatal_patterns,omitempty"` // Regular expressions matched against failed checkout output.

	_ struct{} `additionalProperties:"false"`
}

// WithDefaults returns a copy with every unset value replaced by its default.
func (t Tuning) WithDefaults() Tuning {
	t.ProcessAttempts = cmp.Or(t.ProcessAttempts, DefaultProcessAttempts)
	t.BackoffBase = cmp.Or(t.BackoffBase, DefaultBackoffBase)
	t.HeartbeatInterval = cmp.Or(t.HeartbeatInterval, DefaultHeartbeatInterval)
	t.SolutionAttempts = cmp.Or(t.SolutionAttempts, DefaultSolutionAttempts)
	t.SolutionRetryDelay = cmp.Or(t.SolutionRetryDelay, DefaultSolutionRetryDelay)
	t.ShallowThresholdGB = cmp.Or(t.ShallowThresholdGB, DefaultShallowThresholdGB)
	t.LargeRepoURL = cmp.Or(t.LargeRepoURL, DefaultLargeRepoURL)
	return t
}

// ShallowThreshold returns the disk size in bytes below which clones are shallow.
func (t Tuning) ShallowThreshold() uint64 {
	return uint64(cmp.Or(t.ShallowThresholdGB, DefaultShallowThresholdGB)) << 30
}

// CompileFatalPatterns compiles the fatal checkout failure patterns.
func (t Tuning) CompileFatalPatterns() ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(t.FatalPatterns))
	for _, p := range t.FatalPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid fatal pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// Tools are the command line prefixes of the external programs. Empty values
// select the platform default.
type Tools struct {
	Git      StringSet `json:"git,omitempty"`
	GitCache StringSet `json:"git_cache,omitempty"`
	Sync     StringSet `json:"sync,omitempty"`
	Patch    StringSet `json:"patch,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type Logging struct {
	Level  string `json:"level,omitempty" enum:"debug,info,warn,error"`
	Format string `json:"format,omitempty" enum:"console,json"`

	_ struct{} `additionalProperties:"false"`
}

// RevisionMapping maps checkout directories ("src/v8/") to build property names.
type RevisionMapping map[string]string

// DefaultGotRevisionMappings are the property names reported for checkouts of
// the large repository.
func DefaultGotRevisionMappings() map[string]RevisionMapping {
	return map[string]RevisionMapping{
		DefaultLargeRepoURL: {
			"src/":                       "got_revision",
			"src/native_client/":         "got_nacl_revision",
			"src/tools/swarm_client/":    "got_swarm_client_revision",
			"src/tools/swarming_client/": "got_swarming_client_revision",
			"src/third_party/WebKit/":    "got_webkit_revision",
			"src/third_party/webrtc/":    "got_webrtc_revision",
			"src/v8/":                    "got_v8_revision",
		},
	}
}

// DefaultActivation is the allow list used when no activation is configured.
func DefaultActivation() *Activation {
	return &Activation{
		EnabledMasters: StringSet{
			"bot_update.always_on",
			"chromium.android",
			"chromium.angle",
			"chromium.chrome",
			"chromium.chromedriver",
			"chromium.chromiumos",
			"chromium",
			"chromium.fyi",
			"chromium.goma",
			"chromium.gpu",
			"tryserver.chromium.win",
			"tryserver.infra",
			"tryserver.nacl",
			"tryserver.v8",
			"tryserver.webrtc",
		},
		EnabledBuilders: map[string]StringSet{
			"client.dart.fyi":  {"v8-linux-release", "v8-mac-release", "v8-win-release"},
			"client.dynamorio": {"linux-v8-dr"},
		},
	}
}

// Instead of marshaling and unmarshaling as int64 it uses strings, like "5m" or "0.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

type StringSet []string

func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}

	return rootSchema.Validate(config)
}

func ParseFile(filename string) (root *Root, err error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	return Parse(bs)
}

func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if _, err := root.Tuning.CompileFatalPatterns(); err != nil {
		return nil, err
	}

	return &root, nil
}

// Load merges the given files and directories and parses the result. Without
// paths it returns an empty configuration.
func Load(paths []string) (*Root, error) {
	if len(paths) == 0 {
		return &Root{}, nil
	}

	bs, err := Merge(paths, true)
	if err != nil {
		return nil, err
	}
	return Parse(bs)
}

// ActivationOrDefault returns the configured activation or the built-in allow list.
func (r *Root) ActivationOrDefault() *Activation {
	if r.Activation != nil {
		return r.Activation
	}
	return DefaultActivation()
}

// RevisionMappingFor returns the got_revision mapping for a first solution
// URL. Configured mappings replace the built-in ones per URL.
func (r *Root) RevisionMappingFor(url string) RevisionMapping {
	if m, ok := r.GotRevisionMappings[url]; ok {
		return m
	}
	return DefaultGotRevisionMappings()[url]
}
