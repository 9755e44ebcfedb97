// Package status derives the status snapshot observers see from the
// registry content.
package status

import (
	"slices"
	"time"

	"github.com/CZERTAINLY/Autovisor/internal/model"
	"github.com/CZERTAINLY/Autovisor/internal/registry"
)

// Lister is satisfied by *registry.Registry.
type Lister interface {
	All() []registry.Record
}

// Summarize partitions the active records by family. Every family in
// families is present in the result, even with no active job.
func Summarize(l Lister, families ...string) model.Snapshot {
	return summarize(l.All(), families, time.Now().UTC())
}

func summarize(records []registry.Record, families []string, now time.Time) model.Snapshot {
	snap := model.Snapshot{
		Families: make(map[string][]string, len(families)),
		States:   make(map[string]model.State, len(records)),
		Total:    len(records),
		Time:     now,
	}
	for _, f := range families {
		snap.Families[f] = []string{}
	}
	for _, rec := range records {
		k := rec.Key.String()
		snap.Families[rec.Key.Family] = append(snap.Families[rec.Key.Family], k)
		snap.States[k] = rec.State
	}
	for _, keys := range snap.Families {
		slices.Sort(keys)
	}
	return snap
}
