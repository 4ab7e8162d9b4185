// Package revision parses revision specifications of the form "rev",
// "name@rev" and "url@rev" into a map from solution or repository to the
// revision it should be pinned to.
package revision

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mausys/gclient/internal/logging"
)

// Head pins a repository to the tip of its branch.
const Head = "HEAD"

var ErrConflict = errors.New("conflicting revision numbers specified")

// Map holds revision pins keyed by solution name (without slashes) or by
// normalized https URL.
type Map map[string]string

// Parse expands specs into a Map that always holds an entry for root. Each
// spec may list several comma separated entries. Entries with an unsupported
// URL scheme or too many '@' are skipped with a warning. Two entries that pin
// the same key to different revisions are a conflict.
func Parse(specs []string, root string, log *logging.Logger) (Map, error) {
	if log == nil {
		log = logging.NewNop()
	}

	root = strings.Trim(root, "/")
	m := Map{root: Head}
	explicit := map[string]bool{}

	pin := func(key, rev string) error {
		if explicit[key] && m[key] != rev {
			return fmt.Errorf("%w: %s@%s and %s@%s", ErrConflict, key, m[key], key, rev)
		}
		explicit[key] = true
		m[key] = rev
		return nil
	}

	for _, spec := range specs {
		for entry := range strings.SplitSeq(spec, ",") {
			parts := strings.Split(entry, "@")
			switch len(parts) {
			case 1:
				if err := pin(root, parts[0]); err != nil {
					return nil, err
				}
			case 2:
				key, ok := normalizeRoot(parts[0], log)
				if !ok {
					continue
				}
				if err := pin(key, parts[1]); err != nil {
					return nil, err
				}
			default:
				log.Warnf("%q is not recognized as a valid revision specification, skipping", entry)
			}
		}
	}
	return m, nil
}

func normalizeRoot(root string, log *logging.Logger) (string, bool) {
	u, err := url.Parse(root)
	if err != nil || u.Scheme == "" || isDriveLetter(u.Scheme) {
		return strings.Trim(root, "/"), true
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		log.Warnf("unrecognized scheme %s in revision specification %q, ignoring", u.Scheme, root)
		return "", false
	}
	return NormalizeURL(u), true
}

// NormalizeURL renders an http(s) URL as https://host/path.git.
func NormalizeURL(u *url.URL) string {
	s := "https://" + u.Host + "/" + strings.TrimLeft(u.Path, "/")
	if !strings.HasSuffix(s, ".git") {
		s += ".git"
	}
	return s
}

// Windows paths such as C:/src parse with a one letter scheme.
func isDriveLetter(scheme string) bool {
	return len(scheme) == 1
}

// Resolve returns the pin for a solution, looked up by name first and by
// repository URL second. Unpinned solutions resolve to Head.
func (m Map) Resolve(name, repo string) string {
	if rev, ok := m[strings.Trim(name, "/")]; ok && name != "" {
		return rev
	}
	if rev, ok := m.lookupURL(repo); ok {
		return rev
	}
	return Head
}

// Lookup returns the pin for a dependency path or URL, if any.
func (m Map) Lookup(path, repo string) (string, bool) {
	if rev, ok := m[strings.Trim(path, "/")]; ok && path != "" {
		return rev, true
	}
	return m.lookupURL(repo)
}

func (m Map) lookupURL(repo string) (string, bool) {
	if repo == "" {
		return "", false
	}
	if rev, ok := m[repo]; ok {
		return rev, true
	}
	u, err := url.Parse(repo)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	rev, ok := m[NormalizeURL(u)]
	return rev, ok
}
