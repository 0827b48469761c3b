package config

import "reflect"

// Diff describes what changed between two configs that can be applied
// without a restart.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProvidersChanged lists the IDs of catalogue entries whose contents
	// changed or that were removed, plus entries naming one of those as a
	// fallback.
	ProvidersChanged []string

	// Devices lists per-device changes.
	Devices []DeviceDiff
}

// DeviceDiff describes what changed for a single device.
type DeviceDiff struct {
	ID            string
	STTChanged    bool
	LLMChanged    bool
	PromptChanged bool
	Added         bool
	Removed       bool
}

// Empty reports whether d carries no changes.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && len(d.ProvidersChanged) == 0 && len(d.Devices) == 0
}

// Compare returns what changed from old to new.
//
// A device's STT or LLM assignment counts as changed when it resolves to a
// different entry ID. An entry that keeps its ID but changes its contents is
// reported in ProvidersChanged; callers decide whether to rebuild instances
// created from it.
func Compare(old, new *Config) Diff {
	var d Diff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ProvidersChanged = append(d.ProvidersChanged, changedEntries(old.Providers.STT, new.Providers.STT)...)
	d.ProvidersChanged = append(d.ProvidersChanged, changedEntries(old.Providers.LLM, new.Providers.LLM)...)
	d.ProvidersChanged = withDependents(d.ProvidersChanged, old.Providers.STT, old.Providers.LLM)

	oldDevices := make(map[string]bool, len(old.Devices))
	for _, dev := range old.Devices {
		oldDevices[dev.ID] = true
	}
	for _, dev := range new.Devices {
		if !oldDevices[dev.ID] {
			d.Devices = append(d.Devices, DeviceDiff{ID: dev.ID, Added: true})
			continue
		}
		dd := compareDevice(dev.ID, old, new)
		if dd.STTChanged || dd.LLMChanged || dd.PromptChanged {
			d.Devices = append(d.Devices, dd)
		}
	}
	newDevices := make(map[string]bool, len(new.Devices))
	for _, dev := range new.Devices {
		newDevices[dev.ID] = true
	}
	for _, dev := range old.Devices {
		if !newDevices[dev.ID] {
			d.Devices = append(d.Devices, DeviceDiff{ID: dev.ID, Removed: true})
		}
	}

	return d
}

func compareDevice(id string, old, new *Config) DeviceDiff {
	dd := DeviceDiff{ID: id}

	oldSTT, _ := old.STTFor(id)
	newSTT, _ := new.STTFor(id)
	dd.STTChanged = oldSTT.ID != newSTT.ID

	oldLLM, _ := old.LLMFor(id)
	newLLM, _ := new.LLMFor(id)
	dd.LLMChanged = oldLLM.ID != newLLM.ID

	dd.PromptChanged = old.Device(id).SystemPrompt != new.Device(id).SystemPrompt
	return dd
}

// changedEntries returns IDs present in old whose entry differs in new or is
// missing from new.
func changedEntries(old, new []ProviderEntry) []string {
	byID := make(map[string]ProviderEntry, len(new))
	for _, e := range new {
		byID[e.ID] = e
	}
	var ids []string
	for _, e := range old {
		n, ok := byID[e.ID]
		if !ok || !reflect.DeepEqual(e, n) {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// withDependents adds the IDs of entries that list a changed entry as a
// fallback, since instances built from them hold the changed provider too.
func withDependents(changed []string, catalogues ...[]ProviderEntry) []string {
	if len(changed) == 0 {
		return changed
	}
	set := make(map[string]bool, len(changed))
	for _, id := range changed {
		set[id] = true
	}
	out := changed
	for _, entries := range catalogues {
		for _, e := range entries {
			if set[e.ID] {
				continue
			}
			for _, fb := range e.Fallbacks {
				if set[fb] {
					set[e.ID] = true
					out = append(out, e.ID)
					break
				}
			}
		}
	}
	return out
}
