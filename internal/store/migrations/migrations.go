// Package migrations forward-migrates persisted scheduler state across
// schema versions (spec.md §4.7, §9: "each migration is a pure function
// StateV(k) -> StateV(k+1)"). Migrations operate on the generic
// map[string]interface{} shape msgpack decodes into, rather than on Go
// structs directly, so that a migration can be written and tested even
// after the Go struct for the old shape has been deleted from the tree.
package migrations

import "fmt"

// CurrentVersion is the schema version the rest of the scheduler speaks.
const CurrentVersion = 1

// step upgrades one version to the next.
type step func(raw map[string]interface{}) (map[string]interface{}, error)

// registry maps "upgrade from version N" to its step function. Only steps
// up to CurrentVersion-1 are meaningful; a version >= CurrentVersion with no
// registered step is either already current or newer-than-known.
var registry = map[int]step{
	0: upgradeV0toV1,
}

// ErrUnknownVersion is returned when the stored schema_version is newer than
// CurrentVersion - the store enters read-only mode in that case rather than
// guessing how to interpret unknown data (spec.md §9).
type ErrUnknownVersion struct {
	Version int
}

func (e *ErrUnknownVersion) Error() string {
	return fmt.Sprintf("migrations: schema_version %d is newer than this binary understands (max %d)", e.Version, CurrentVersion)
}

// Upgrade walks raw from its recorded schema_version up to CurrentVersion,
// applying registered steps in order. raw is mutated in place and also
// returned for convenience.
func Upgrade(raw map[string]interface{}) (map[string]interface{}, error) {
	version, err := schemaVersion(raw)
	if err != nil {
		return nil, err
	}

	for version < CurrentVersion {
		step, ok := registry[version]
		if !ok {
			return nil, fmt.Errorf("migrations: no upgrade path registered from schema_version %d", version)
		}
		raw, err = step(raw)
		if err != nil {
			return nil, fmt.Errorf("migrations: upgrading from schema_version %d: %w", version, err)
		}
		next, err := schemaVersion(raw)
		if err != nil {
			return nil, err
		}
		if next <= version {
			return nil, fmt.Errorf("migrations: step from schema_version %d did not advance the version", version)
		}
		version = next
	}

	if version > CurrentVersion {
		return nil, &ErrUnknownVersion{Version: version}
	}
	return raw, nil
}

func schemaVersion(raw map[string]interface{}) (int, error) {
	v, ok := raw["schema_version"]
	if !ok {
		return 0, fmt.Errorf("migrations: missing schema_version field")
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case int8:
		return int(n), nil
	default:
		return 0, fmt.Errorf("migrations: schema_version has unexpected type %T", v)
	}
}

// upgradeV0toV1 is a synthetic migration exercising the mechanism: version 0
// never shipped (this scheduler's first released schema is version 1), but
// the migration runner and its "unknown version" failure path must still be
// proven out, so this step models the kind of additive change a real V0->V1
// bump would make - filling in a field that didn't exist yet with its
// current default.
func upgradeV0toV1(raw map[string]interface{}) (map[string]interface{}, error) {
	if _, ok := raw["group_limits"]; !ok {
		raw["group_limits"] = map[string]interface{}{}
	}
	if _, ok := raw["recent_submissions"]; !ok {
		raw["recent_submissions"] = []interface{}{}
	}
	raw["schema_version"] = 1
	return raw, nil
}
