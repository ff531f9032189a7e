package services

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

//go:embed region_table.yaml
var defaultRegionTableYAML []byte

// ErrRegionTableInvalid indicates the region table definition is malformed.
var ErrRegionTableInvalid = errors.New("region table: invalid definition")

// DeliveryRates are the base delivery charges by distance tier.
type DeliveryRates struct {
	SameState   decimal.Decimal
	InRegion    decimal.Decimal
	OutOfRegion decimal.Decimal
}

// RegionTable maps states to delivery regions together with the fee constants. It is immutable once
// loaded.
type RegionTable struct {
	states        map[string]string
	canonical     map[string]string
	Rates         DeliveryRates
	FuelSurcharge decimal.Decimal
	WeekdayPct    decimal.Decimal
	WeekendPct    decimal.Decimal
}

type regionTableFile struct {
	Rates struct {
		SameState   string `yaml:"sameState"`
		InRegion    string `yaml:"inRegion"`
		OutOfRegion string `yaml:"outOfRegion"`
	} `yaml:"rates"`
	FuelSurcharge string              `yaml:"fuelSurcharge"`
	WeekdayPct    string              `yaml:"weekdayPct"`
	WeekendPct    string              `yaml:"weekendPct"`
	Regions       map[string][]string `yaml:"regions"`
	Aliases       map[string]string   `yaml:"aliases"`
}

// DefaultRegionTable returns the embedded region table.
func DefaultRegionTable() (*RegionTable, error) {
	return ParseRegionTable(defaultRegionTableYAML)
}

// LoadRegionTable reads a region table from disk, falling back to the embedded table when path is empty.
func LoadRegionTable(path string) (*RegionTable, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultRegionTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("region table: read %s: %w", path, err)
	}
	return ParseRegionTable(data)
}

// ParseRegionTable decodes a YAML region table definition.
func ParseRegionTable(data []byte) (*RegionTable, error) {
	var file regionTableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegionTableInvalid, err)
	}

	table := &RegionTable{
		states:    make(map[string]string),
		canonical: make(map[string]string),
	}

	amounts := []struct {
		name  string
		raw   string
		field *decimal.Decimal
	}{
		{"rates.sameState", file.Rates.SameState, &table.Rates.SameState},
		{"rates.inRegion", file.Rates.InRegion, &table.Rates.InRegion},
		{"rates.outOfRegion", file.Rates.OutOfRegion, &table.Rates.OutOfRegion},
		{"fuelSurcharge", file.FuelSurcharge, &table.FuelSurcharge},
		{"weekdayPct", file.WeekdayPct, &table.WeekdayPct},
		{"weekendPct", file.WeekendPct, &table.WeekendPct},
	}
	for _, amount := range amounts {
		value, err := decimal.NewFromString(strings.TrimSpace(amount.raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRegionTableInvalid, amount.name, err)
		}
		if value.IsNegative() {
			return nil, fmt.Errorf("%w: %s cannot be negative", ErrRegionTableInvalid, amount.name)
		}
		*amount.field = value
	}

	if len(file.Regions) == 0 {
		return nil, fmt.Errorf("%w: no regions defined", ErrRegionTableInvalid)
	}
	regionNames := make([]string, 0, len(file.Regions))
	for region := range file.Regions {
		regionNames = append(regionNames, region)
	}
	sort.Strings(regionNames)
	for _, region := range regionNames {
		for _, state := range file.Regions[region] {
			key := foldState(state)
			if key == "" {
				continue
			}
			if existing, ok := table.states[key]; ok && existing != region {
				return nil, fmt.Errorf("%w: state %q listed in %s and %s", ErrRegionTableInvalid, state, existing, region)
			}
			table.states[key] = region
			table.canonical[key] = strings.TrimSpace(state)
		}
	}

	for alias, target := range file.Aliases {
		targetKey := foldState(target)
		region, ok := table.states[targetKey]
		if !ok {
			return nil, fmt.Errorf("%w: alias %q points at unknown state %q", ErrRegionTableInvalid, alias, target)
		}
		aliasKey := foldState(alias)
		table.states[aliasKey] = region
		table.canonical[aliasKey] = table.canonical[targetKey]
	}

	return table, nil
}

// Region resolves a state name to its delivery region.
func (t *RegionTable) Region(state string) (string, bool) {
	if t == nil {
		return "", false
	}
	region, ok := t.states[foldState(state)]
	return region, ok
}

// CanonicalState returns the table's spelling of the state, resolving aliases.
func (t *RegionTable) CanonicalState(state string) (string, bool) {
	if t == nil {
		return "", false
	}
	name, ok := t.canonical[foldState(state)]
	return name, ok
}

func foldState(state string) string {
	state = strings.Join(strings.Fields(state), " ")
	state = strings.TrimSuffix(state, " State")
	state = strings.TrimSuffix(state, " state")
	// Casers carry state, so each call builds its own.
	return cases.Fold().String(state)
}
