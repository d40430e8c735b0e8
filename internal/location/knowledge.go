package location

import "sync"

type knowledgeEntry struct {
	loc    Location
	source Source
}

// KnowledgeBase maps districts to their province and department for the
// duration of one run. The first mapping observed for a district wins.
type KnowledgeBase struct {
	mu        sync.RWMutex
	districts map[string]knowledgeEntry
	conflicts int
}

// NewKnowledgeBase returns an empty knowledge base.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{districts: make(map[string]knowledgeEntry)}
}

// Record stores loc under its district. It returns false when loc is not
// district-level, when the district is already known, or when it conflicts
// with the known mapping; conflicts are counted.
func (kb *KnowledgeBase) Record(loc Location, source Source) bool {
	if loc.District == "" || loc.Province == "" {
		return false
	}
	key := Fold(loc.District)
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if known, ok := kb.districts[key]; ok {
		if !known.loc.Agrees(loc) {
			kb.conflicts++
		}
		return false
	}
	kb.districts[key] = knowledgeEntry{loc: loc, source: source}
	return true
}

// Lookup returns the mapping recorded for district.
func (kb *KnowledgeBase) Lookup(district string) (Location, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	e, ok := kb.districts[Fold(district)]
	return e.loc, ok
}

// DistrictsInProvince lists the known districts of province.
func (kb *KnowledgeBase) DistrictsInProvince(province string) []string {
	key := Fold(province)
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	var out []string
	for _, e := range kb.districts {
		if Fold(e.loc.Province) == key {
			out = append(out, e.loc.District)
		}
	}
	return out
}

// Size returns the number of known districts.
func (kb *KnowledgeBase) Size() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.districts)
}

// Conflicts returns how many mappings were rejected as inconsistent.
func (kb *KnowledgeBase) Conflicts() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.conflicts
}
