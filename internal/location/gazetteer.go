package location

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed gazetteer.yaml
var gazetteerYAML []byte

// ErrEmptyGazetteer is returned when a gazetteer document lists no departments.
var ErrEmptyGazetteer = errors.New("gazetteer has no departments")

type gazetteerDoc struct {
	Departments []struct {
		Name      string `yaml:"name"`
		Provinces []struct {
			Name      string   `yaml:"name"`
			Districts []string `yaml:"districts"`
		} `yaml:"provinces"`
	} `yaml:"departments"`
}

// Gazetteer is a static index of known administrative divisions.
type Gazetteer struct {
	departments map[string]string
	provinces   map[string][]Location
	districts   map[string][]Location

	// folded names, longest first, for whole-word matching
	departmentKeys []string
	provinceKeys   []string
	districtKeys   []string
}

var defaultGazetteer = sync.OnceValues(func() (*Gazetteer, error) {
	return ParseGazetteer(gazetteerYAML)
})

// DefaultGazetteer returns the embedded gazetteer of Peruvian divisions.
func DefaultGazetteer() (*Gazetteer, error) {
	return defaultGazetteer()
}

// ParseGazetteer builds a gazetteer from its YAML document.
func ParseGazetteer(data []byte) (*Gazetteer, error) {
	var doc gazetteerDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse gazetteer: %w", err)
	}
	if len(doc.Departments) == 0 {
		return nil, ErrEmptyGazetteer
	}
	g := &Gazetteer{
		departments: make(map[string]string),
		provinces:   make(map[string][]Location),
		districts:   make(map[string][]Location),
	}
	for _, dep := range doc.Departments {
		g.departments[Fold(dep.Name)] = dep.Name
		for _, prov := range dep.Provinces {
			pk := Fold(prov.Name)
			g.provinces[pk] = append(g.provinces[pk], Location{Department: dep.Name, Province: prov.Name})
			for _, dist := range prov.Districts {
				dk := Fold(dist)
				g.districts[dk] = append(g.districts[dk], Location{Department: dep.Name, Province: prov.Name, District: dist})
			}
		}
	}
	g.departmentKeys = sortedKeys(g.departments)
	g.provinceKeys = sortedKeys(g.provinces)
	g.districtKeys = sortedKeys(g.districts)
	return g, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Validate reports whether every known level of loc exists and belongs to
// the level above it. On success it returns loc with canonical spelling.
func (g *Gazetteer) Validate(loc Location) (Location, bool) {
	if loc.Empty() {
		return loc, false
	}
	out := loc
	if loc.Department != "" {
		name, ok := g.departments[Fold(loc.Department)]
		if !ok {
			return loc, false
		}
		out.Department = name
	}
	if loc.Province != "" {
		match, ok := pick(g.provinces[Fold(loc.Province)], loc)
		if !ok {
			return loc, false
		}
		out.Department, out.Province = match.Department, match.Province
	}
	if loc.District != "" {
		match, ok := pick(g.districts[Fold(loc.District)], loc)
		if !ok {
			return loc, false
		}
		out = match
	}
	return out, true
}

// pick returns the single candidate agreeing with hint.
func pick(candidates []Location, hint Location) (Location, bool) {
	var found Location
	n := 0
	for _, c := range candidates {
		if c.Agrees(hint) {
			found = c
			n++
		}
	}
	return found, n == 1
}

// MatchEntity guesses a location from an entity name such as
// "MUNICIPALIDAD DISTRITAL DE SOCABAYA". Regional governments resolve to a
// department and provincial municipalities to a province; otherwise the most
// specific unambiguous division named wins.
func (g *Gazetteer) MatchEntity(name string) (Location, bool) {
	text := " " + Fold(name) + " "
	switch {
	case strings.Contains(text, " gobierno regional "):
		return g.matchDepartment(text)
	case strings.Contains(text, " municipalidad provincial "):
		if loc, ok := g.matchProvince(text); ok {
			return loc, true
		}
		return g.matchDepartment(text)
	}
	if loc, ok := g.matchDistrict(text); ok {
		return loc, true
	}
	if loc, ok := g.matchProvince(text); ok {
		return loc, true
	}
	return g.matchDepartment(text)
}

func (g *Gazetteer) matchDistrict(text string) (Location, bool) {
	for _, key := range g.districtKeys {
		if !containsWord(text, key) {
			continue
		}
		candidates := g.districts[key]
		if len(candidates) == 1 {
			return candidates[0], true
		}
		// Ambiguous district names resolve only when the text also names
		// the province or department.
		for _, c := range candidates {
			if containsWord(text, Fold(c.Province)) || containsWord(text, Fold(c.Department)) {
				return c, true
			}
		}
	}
	return Location{}, false
}

func (g *Gazetteer) matchProvince(text string) (Location, bool) {
	for _, key := range g.provinceKeys {
		if !containsWord(text, key) {
			continue
		}
		if candidates := g.provinces[key]; len(candidates) == 1 {
			return candidates[0], true
		}
	}
	return Location{}, false
}

func (g *Gazetteer) matchDepartment(text string) (Location, bool) {
	for _, key := range g.departmentKeys {
		if containsWord(text, key) {
			return Location{Department: g.departments[key]}, true
		}
	}
	return Location{}, false
}

func containsWord(text, word string) bool {
	return strings.Contains(text, " "+word+" ")
}
