package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalogue(t *testing.T) {
	c := Default()

	if len(c.Stations) != 29 {
		t.Errorf("stations = %d, want 29", len(c.Stations))
	}
	if c.Operators[0].Key != "trainline" || c.Operators[1].Key != "lner" {
		t.Errorf("operator order not preserved: %+v", c.Operators[:2])
	}
	if got := c.Schemes[SchemeDelayRepay15][0].Minutes; got != 120 {
		t.Errorf("tiers should be sorted highest first, got first threshold %d", got)
	}
}

func TestSchemeFor(t *testing.T) {
	c := Default()

	tests := []struct {
		operator string
		want     string
	}{
		{"TfL", SchemeTfL},
		{"LNER", SchemeDelayRepay15},
		{"GWR", SchemeDelayRepay15},
		{"CrossCountry", SchemeDelayRepay15},
		{"Northern", SchemeStandard},
		{"Unknown", SchemeStandard},
		{"", SchemeStandard},
		{"lner", SchemeStandard},
	}

	for _, tt := range tests {
		t.Run(tt.operator, func(t *testing.T) {
			got, tiers := c.SchemeFor(tt.operator)
			if got != tt.want {
				t.Errorf("SchemeFor(%q) = %s, want %s", tt.operator, got, tt.want)
			}
			if len(tiers) == 0 {
				t.Errorf("SchemeFor(%q) returned no tiers", tt.operator)
			}
		})
	}
}

func TestDeadlineDays(t *testing.T) {
	c := Default()

	if got := c.DeadlineDays("National Express"); got != 30 {
		t.Errorf("National Express = %d, want 30", got)
	}
	if got := c.DeadlineDays("LNER"); got != 28 {
		t.Errorf("LNER = %d, want 28", got)
	}
	if got := c.DeadlineDays("Megabus"); got != 28 {
		t.Errorf("unlisted operator = %d, want default 28", got)
	}
	if got := c.DeadlineDays(""); got != 28 {
		t.Errorf("empty operator = %d, want default 28", got)
	}
}

func TestLoadFromFileDropsInvalidClaimURLs(t *testing.T) {
	doc := `
operators:
  - {key: lner, name: LNER}
schemes:
  standard: [{minutes: 15, fraction: 0.25}]
  delay_repay_15: [{minutes: 15, fraction: 0.25}]
  tfl: [{minutes: 15, fraction: 1.0}]
deadlines:
  default_days: 28
claim_urls:
  LNER: https://www.lner.co.uk/help/delay-repay/
  Bogus: javascript:alert(1)
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	c, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if c.ClaimURL("LNER") == "" {
		t.Error("valid claim URL was dropped")
	}
	if c.ClaimURL("Bogus") != "" {
		t.Error("invalid claim URL was kept")
	}
}

func TestParseRejectsMissingScheme(t *testing.T) {
	doc := `
schemes:
  standard: [{minutes: 15, fraction: 0.25}]
deadlines:
  default_days: 28
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Error("expected error for catalogue without all schemes")
	}
}

func TestOperatorTable(t *testing.T) {
	table := Default().OperatorTable()

	byName := make(map[string]OperatorInfo)
	for _, op := range table {
		if _, dup := byName[op.Name]; dup {
			t.Errorf("operator %s listed twice", op.Name)
		}
		byName[op.Name] = op
	}

	if table[0].Name != "Trainline" {
		t.Errorf("first operator = %s, want catalogue order", table[0].Name)
	}
	lner := byName["LNER"]
	if lner.Scheme != SchemeDelayRepay15 || lner.DeadlineDays != 28 || lner.ClaimURL == "" {
		t.Errorf("LNER = %+v", lner)
	}
	if byName["TfL"].Scheme != SchemeTfL {
		t.Errorf("TfL scheme = %s", byName["TfL"].Scheme)
	}
}
