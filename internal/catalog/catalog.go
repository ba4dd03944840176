// Package catalog holds the read-only reference tables used by the refund
// scanner: sender domains, stations, operators, compensation schemes,
// claim deadlines and claim pages.
package catalog

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embedded []byte

// Scheme names.
const (
	SchemeStandard     = "standard"
	SchemeDelayRepay15 = "delay_repay_15"
	SchemeTfL          = "tfl"
)

// Operator maps a sender substring to an operator display name.
type Operator struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

// Tier is one compensation threshold: a delay of at least Minutes earns
// Fraction of the ticket price.
type Tier struct {
	Minutes  int     `yaml:"minutes"`
	Fraction float64 `yaml:"fraction"`
}

type Deadlines struct {
	DefaultDays int            `yaml:"default_days"`
	Operators   map[string]int `yaml:"operators"`
}

type Catalog struct {
	Senders         []string          `yaml:"senders"`
	Keywords        []string          `yaml:"keywords"`
	Stations        []string          `yaml:"stations"`
	Operators       []Operator        `yaml:"operators"`
	Schemes         map[string][]Tier `yaml:"schemes"`
	DelayRepay15    []string          `yaml:"delay_repay_15_operators"`
	Deadlines       Deadlines         `yaml:"deadlines"`
	ClaimURLs       map[string]string `yaml:"claim_urls"`
	delayRepay15Set map[string]bool
}

var defaultCatalog = mustParse(embedded)

// Default returns the built-in catalogue. Callers must not modify it.
func Default() *Catalog { return defaultCatalog }

func mustParse(data []byte) *Catalog {
	c, err := Parse(data)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded catalogue is invalid: %v", err))
	}
	return c
}

// Parse decodes and validates a catalogue document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.sanitize()

	c.delayRepay15Set = make(map[string]bool, len(c.DelayRepay15))
	for _, name := range c.DelayRepay15 {
		c.delayRepay15Set[name] = true
	}
	for name, tiers := range c.Schemes {
		sorted := append([]Tier(nil), tiers...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Minutes > sorted[j].Minutes })
		c.Schemes[name] = sorted
	}
	return &c, nil
}

// LoadFromFile reads a catalogue that replaces the built-in one.
func LoadFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

func (c *Catalog) validate() error {
	for _, name := range []string{SchemeStandard, SchemeDelayRepay15, SchemeTfL} {
		if len(c.Schemes[name]) == 0 {
			return fmt.Errorf("catalog: scheme %q has no tiers", name)
		}
	}
	for _, op := range c.Operators {
		if op.Key == "" || op.Name == "" {
			return fmt.Errorf("catalog: operator entries need both key and name")
		}
		if op.Key != strings.ToLower(op.Key) {
			return fmt.Errorf("catalog: operator key %q must be lower case", op.Key)
		}
	}
	if c.Deadlines.DefaultDays <= 0 {
		return fmt.Errorf("catalog: deadlines.default_days must be positive")
	}
	return nil
}

func isValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

func (c *Catalog) sanitize() {
	for name, u := range c.ClaimURLs {
		if !isValidURL(u) {
			delete(c.ClaimURLs, name)
		}
	}
}

// IsDelayRepay15 reports whether the operator runs the Delay Repay 15 scheme.
func (c *Catalog) IsDelayRepay15(operator string) bool {
	return c.delayRepay15Set[operator]
}

// SchemeFor selects the compensation scheme for an operator display name.
// Operators outside the TfL and Delay Repay 15 sets get the standard scheme.
func (c *Catalog) SchemeFor(operator string) (string, []Tier) {
	switch {
	case operator == "TfL":
		return SchemeTfL, c.Schemes[SchemeTfL]
	case c.IsDelayRepay15(operator):
		return SchemeDelayRepay15, c.Schemes[SchemeDelayRepay15]
	default:
		return SchemeStandard, c.Schemes[SchemeStandard]
	}
}

// DeadlineDays returns the claim window for an operator, falling back to
// the default window for unknown or empty names.
func (c *Catalog) DeadlineDays(operator string) int {
	if days, ok := c.Deadlines.Operators[operator]; ok {
		return days
	}
	return c.Deadlines.DefaultDays
}

func (c *Catalog) ClaimURL(operator string) string {
	return c.ClaimURLs[operator]
}

// OperatorNames lists the distinct operator display names in catalogue order.
func (c *Catalog) OperatorNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, op := range c.Operators {
		if !seen[op.Name] {
			seen[op.Name] = true
			names = append(names, op.Name)
		}
	}
	return names
}

// OperatorInfo describes how claims work for one operator.
type OperatorInfo struct {
	Name         string `json:"name"`
	Scheme       string `json:"scheme"`
	DeadlineDays int    `json:"deadline_days"`
	ClaimURL     string `json:"claim_url,omitempty"`
}

// OperatorTable lists every known operator with its scheme, claim window
// and claim page, in catalogue order.
func (c *Catalog) OperatorTable() []OperatorInfo {
	names := c.OperatorNames()
	table := make([]OperatorInfo, 0, len(names))
	for _, name := range names {
		scheme, _ := c.SchemeFor(name)
		table = append(table, OperatorInfo{
			Name:         name,
			Scheme:       scheme,
			DeadlineDays: c.DeadlineDays(name),
			ClaimURL:     c.ClaimURL(name),
		})
	}
	return table
}
