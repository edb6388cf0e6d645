// Package namegen generates human-readable session names for jobs that
// don't supply their own (spec.md §3: name "either user-supplied or
// generated"). It reuses Docker's adjective-surname generator, the same one
// Docker itself uses for anonymous containers, since the teacher already
// depends on github.com/docker/docker for its job-runner backend.
package namegen

import (
	"fmt"
	"strings"

	"github.com/docker/docker/pkg/namesgenerator"
)

// Generator produces a session name guaranteed not to collide with any
// name in live.
type Generator interface {
	Generate(live map[string]bool) (string, error)
}

// Docker generates names with namesgenerator.GetRandomName, retrying with a
// numeric suffix on collision against the live session-name set (spec.md
// §3: name "must be unique among live sessions").
type Docker struct {
	// MaxAttempts bounds the retry loop before giving up. Zero means 100.
	MaxAttempts int
}

func (d Docker) maxAttempts() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return 100
}

func (d Docker) Generate(live map[string]bool) (string, error) {
	base := threePartName()
	if !live[base] {
		return base, nil
	}
	for attempt := 1; attempt <= d.maxAttempts(); attempt++ {
		candidate := fmt.Sprintf("%s_%d", base, attempt)
		if !live[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("namegen: exhausted %d attempts generating a unique name from %q", d.maxAttempts(), base)
}

// threePartName extends namesgenerator's adjective_surname pair with a
// third adjective drawn the same way, so the result is always
// adjective_surname_adjective rather than Docker's native two-part name
// (spec.md §3: "memorable three-part random session name").
func threePartName() string {
	pair := namesgenerator.GetRandomName(0)
	extra := namesgenerator.GetRandomName(0)
	if idx := strings.Index(extra, "_"); idx >= 0 {
		extra = extra[:idx]
	}
	return pair + "_" + extra
}
