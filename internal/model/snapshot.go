package model

import (
	"encoding/json"
	"slices"
	"time"
)

// Snapshot is a derived view of the registry at one instant.
type Snapshot struct {
	// Families maps each family to its sorted active keys. Configured
	// families are present even when empty.
	Families map[string][]string
	States   map[string]State
	Total    int
	Time     time.Time
}

// Active returns every active key, sorted.
func (s Snapshot) Active() []string {
	keys := make([]string, 0, s.Total)
	for _, k := range s.Families {
		keys = append(keys, k...)
	}
	slices.Sort(keys)
	return keys
}

func (s Snapshot) Count(family string) int {
	return len(s.Families[family])
}

// snapshotKeys are the fixed keys of the snapshot JSON.
var snapshotKeys = []string{"activeProcesses", "totalCount", "processStates", "timestamp"}

// collidesWithSnapshot reports whether the per-family keys of family would
// overwrite a fixed snapshot key.
func collidesWithSnapshot(family string) bool {
	return slices.Contains(snapshotKeys, family+"Count") || slices.Contains(snapshotKeys, family+"Processes")
}

// MarshalJSON keeps the flat legacy layout: activeProcesses, totalCount,
// processStates, timestamp and {family}Count / {family}Processes per family.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 4+2*len(s.Families))
	m["activeProcesses"] = s.Active()
	m["totalCount"] = s.Total
	states := s.States
	if states == nil {
		states = map[string]State{}
	}
	m["processStates"] = states
	m["timestamp"] = s.Time.UTC()
	for family, keys := range s.Families {
		if keys == nil {
			keys = []string{}
		}
		m[family+"Count"] = len(keys)
		m[family+"Processes"] = keys
	}
	return json.Marshal(m)
}
