package tiers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"careerpilot/backend/internal/ratelimit/domain"
)

// Table is the static {action, tier} -> rule lookup.
type Table struct {
	rules map[domain.Action]map[domain.Tier]domain.Rule
	def   domain.Rule
}

// NewTable returns a table over rules with def for unknown actions.
func NewTable(rules map[domain.Action]map[domain.Tier]domain.Rule, def domain.Rule) *Table {
	if rules == nil {
		rules = map[domain.Action]map[domain.Tier]domain.Rule{}
	}
	return &Table{rules: rules, def: def}
}

// DefaultTable returns the built-in table.
func DefaultTable() *Table {
	return NewTable(BuiltinRules(), DefaultRule)
}

// Resolve never consults ctx; it satisfies Resolver.
func (t *Table) Resolve(_ context.Context, q Query) domain.Rule {
	row, ok := t.rules[q.Action]
	if !ok {
		return t.def
	}
	if r, ok := row[NormalizeTier(q.Tier)]; ok {
		return r
	}
	if r, ok := row[domain.LowestTier]; ok {
		return r
	}
	return t.def
}

// Actions lists the actions with explicit rows.
func (t *Table) Actions() []domain.Action {
	out := make([]domain.Action, 0, len(t.rules))
	for a := range t.rules {
		out = append(out, a)
	}
	return out
}

type fileRule struct {
	Limit  *int   `mapstructure:"limit"`
	Window string `mapstructure:"window"`
}

type fileTable struct {
	Default *fileRule                      `mapstructure:"default"`
	Actions map[string]map[string]fileRule `mapstructure:"actions"`
}

// LoadTable returns the built-in table overlaid with the YAML (or any viper-supported
// format) file at path. Rows in the file replace individual {action, tier} cells.
//
//	default: {limit: 30, window: 1h}
//	actions:
//	  ATS_SCORE:
//	    FREE: {limit: 20, window: 24h}
func LoadTable(path string) (*Table, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rate limit table %s: %w", path, err)
	}
	var ft fileTable
	if err := v.Unmarshal(&ft); err != nil {
		return nil, fmt.Errorf("decode rate limit table %s: %w", path, err)
	}
	if ft.Default != nil {
		r, err := ft.Default.rule()
		if err != nil {
			return nil, fmt.Errorf("default rule: %w", err)
		}
		t.def = r
	}
	for action, tiers := range ft.Actions {
		a := NormalizeAction(action)
		row, ok := t.rules[a]
		if !ok {
			row = map[domain.Tier]domain.Rule{}
			t.rules[a] = row
		}
		for tier, fr := range tiers {
			name := domain.Tier(strings.ToUpper(tier))
			if NormalizeTier(name) != name {
				return nil, fmt.Errorf("action %s: unknown tier %q", a, tier)
			}
			r, err := fr.rule()
			if err != nil {
				return nil, fmt.Errorf("action %s tier %s: %w", a, name, err)
			}
			row[name] = r
		}
	}
	return t, nil
}

func (fr fileRule) rule() (domain.Rule, error) {
	if fr.Limit == nil {
		return domain.Rule{}, fmt.Errorf("limit is required")
	}
	if *fr.Limit < domain.Unlimited {
		return domain.Rule{}, fmt.Errorf("limit %d below -1", *fr.Limit)
	}
	w, err := time.ParseDuration(fr.Window)
	if err != nil || w <= 0 {
		return domain.Rule{}, fmt.Errorf("invalid window %q", fr.Window)
	}
	return domain.Rule{Limit: *fr.Limit, Window: w}, nil
}
