// SPDX-License-Identifier: MIT

package normalize

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules holds the externally supplied vocabulary used by tokenization and
// matching. The tables drift between deployments (different stop-word sets,
// alias maps and brand vocabularies per region), so they are data, not code.
type Rules struct {
	// StopWords are dropped from token sets ("channel", "tv", articles,
	// country names).
	StopWords []string `yaml:"stop_words"`
	// NumeralWords maps spelled-out numerals to digits ("once" -> "11").
	NumeralWords map[string]string `yaml:"numeral_words"`
	// Aliases maps an abbreviation or short brand to additional canonical
	// name strings ("edm" -> ["estrellas de monterrey"]).
	Aliases map[string][]string `yaml:"aliases"`
	// CallSigns maps a broadcast call sign to its brand name
	// ("xhgc" -> "canal 5").
	CallSigns map[string]string `yaml:"call_signs"`
	// BrandTokens is the vocabulary that earns the fuzzy-tier bonus when
	// shared between candidate and entry.
	BrandTokens []string `yaml:"brand_tokens"`
	// CountryTags are trailing region annotations stripped from names
	// ("mx", "mexico", "usa").
	CountryTags []string `yaml:"country_tags"`

	stopSet    map[string]struct{}
	brandSet   map[string]struct{}
	countrySet map[string]struct{}
}

// DefaultRules returns the built-in vocabulary used when no rules file is
// configured. Deployments are expected to ship their own file; these defaults
// cover the common Latin-American lineup this project started with.
func DefaultRules() *Rules {
	r := &Rules{
		StopWords: []string{
			"channel", "canal", "tv", "television", "televisión", "hd", "sd",
			"uhd", "4k", "fhd", "the", "el", "la", "los", "las", "de", "del",
			"y", "and", "en", "vivo", "live", "network",
			"mexico", "méxico", "usa", "us", "mx", "pr", "es", "spain",
			"españa", "puerto", "rico", "latino", "latinoamérica",
		},
		NumeralWords: map[string]string{
			"one": "1", "two": "2", "three": "3", "four": "4", "five": "5",
			"six": "6", "seven": "7", "eight": "8", "nine": "9", "ten": "10",
			"eleven": "11", "twelve": "12", "thirteen": "13",
			"uno": "1", "dos": "2", "tres": "3", "cuatro": "4", "cinco": "5",
			"seis": "6", "siete": "7", "ocho": "8", "nueve": "9", "diez": "10",
			"once": "11", "doce": "12", "trece": "13",
		},
		Aliases: map[string][]string{
			"estrellas":  {"canal de las estrellas"},
			"azteca uno": {"azteca 1"},
			"adn40":      {"adn 40"},
		},
		CallSigns: map[string]string{
			"xew":  "las estrellas",
			"xhgc": "canal 5",
			"xeq":  "canal 9",
			"xhdf": "azteca uno",
			"xhimt": "azteca 7",
			"xeipn": "canal once",
		},
		BrandTokens: []string{
			"televisa", "azteca", "estrellas", "imagen", "milenio", "foro",
			"multimedios", "telemundo", "univision", "unicable", "teleonce",
			"wapa", "telehit", "bandamax",
		},
		CountryTags: []string{
			"mx", "mexico", "méxico", "us", "usa", "pr", "es", "españa",
			"spain", "ca", "uk", "de", "it", "ie", "au",
		},
	}
	r.index()
	return r
}

// LoadRules reads a YAML rules file. Missing sections fall back to the
// built-in defaults so a file may override only the tables it cares about.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var loaded Rules
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	def := DefaultRules()
	if loaded.StopWords == nil {
		loaded.StopWords = def.StopWords
	}
	if loaded.NumeralWords == nil {
		loaded.NumeralWords = def.NumeralWords
	}
	if loaded.Aliases == nil {
		loaded.Aliases = def.Aliases
	}
	if loaded.CallSigns == nil {
		loaded.CallSigns = def.CallSigns
	}
	if loaded.BrandTokens == nil {
		loaded.BrandTokens = def.BrandTokens
	}
	if loaded.CountryTags == nil {
		loaded.CountryTags = def.CountryTags
	}
	loaded.index()
	return &loaded, nil
}

func (r *Rules) index() {
	r.stopSet = make(map[string]struct{}, len(r.StopWords))
	for _, w := range r.StopWords {
		r.stopSet[w] = struct{}{}
	}
	r.brandSet = make(map[string]struct{}, len(r.BrandTokens))
	for _, w := range r.BrandTokens {
		r.brandSet[w] = struct{}{}
	}
	r.countrySet = make(map[string]struct{}, len(r.CountryTags))
	for _, w := range r.CountryTags {
		r.countrySet[w] = struct{}{}
	}
}

// IsStopWord reports whether tok is in the stop-word set.
func (r *Rules) IsStopWord(tok string) bool {
	_, ok := r.stopSet[tok]
	return ok
}

// IsBrandToken reports whether tok is in the brand/call-sign vocabulary.
func (r *Rules) IsBrandToken(tok string) bool {
	_, ok := r.brandSet[tok]
	return ok
}

// IsCountryTag reports whether tok is a known trailing region annotation.
func (r *Rules) IsCountryTag(tok string) bool {
	_, ok := r.countrySet[tok]
	return ok
}
