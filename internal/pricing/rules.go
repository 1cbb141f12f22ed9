package pricing

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTaxRate               = "0.18"
	DefaultFreeShippingThreshold = "5000"
	DefaultFlatShippingFee       = "250"
	DefaultCurrency              = "INR"
)

type Rules struct {
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
	Currency              string
}

func DefaultRules() Rules {
	return Rules{
		TaxRate:               decimal.RequireFromString(DefaultTaxRate),
		FreeShippingThreshold: decimal.RequireFromString(DefaultFreeShippingThreshold),
		FlatShippingFee:       decimal.RequireFromString(DefaultFlatShippingFee),
		Currency:              DefaultCurrency,
	}
}

func (r Rules) Validate() error {
	if r.TaxRate.IsNegative() || r.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("tax rate must be between 0 and 1, got %s", r.TaxRate)
	}
	if r.FreeShippingThreshold.IsNegative() {
		return fmt.Errorf("free shipping threshold must not be negative")
	}
	if r.FlatShippingFee.IsNegative() {
		return fmt.Errorf("flat shipping fee must not be negative")
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter ISO code, got %q", r.Currency)
	}
	return nil
}

// RuleSet holds global rules and per-region overrides.
type RuleSet struct {
	Default Rules
	Regions map[string]Rules
}

func NewRuleSet(defaults Rules) *RuleSet {
	return &RuleSet{Default: defaults, Regions: map[string]Rules{}}
}

// For returns the rules for region, falling back to the global defaults.
func (s *RuleSet) For(region string) Rules {
	if s == nil {
		return DefaultRules()
	}
	if rules, ok := s.Regions[normalizeRegion(region)]; ok {
		return rules
	}
	return s.Default
}

type ruleOverrides struct {
	TaxRate               *string `yaml:"tax_rate"`
	FreeShippingThreshold *string `yaml:"free_shipping_threshold"`
	FlatShippingFee       *string `yaml:"flat_shipping_fee"`
	Currency              *string `yaml:"currency"`
}

type rulesFile struct {
	Regions map[string]ruleOverrides `yaml:"regions"`
}

// LoadRuleSet reads region overrides from a YAML file. Each region inherits
// every field it leaves unset from defaults.
//
//	regions:
//	  us:
//	    tax_rate: 0.07
//	    currency: USD
func LoadRuleSet(path string, defaults Rules) (*RuleSet, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing rules: %w", err)
	}
	return ParseRuleSet(content, defaults)
}

func ParseRuleSet(content []byte, defaults Rules) (*RuleSet, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default pricing rules: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pricing rules: %w", err)
	}

	set := NewRuleSet(defaults)
	for region, overrides := range file.Regions {
		rules, err := overrides.apply(defaults)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", region, err)
		}
		if err := rules.Validate(); err != nil {
			return nil, fmt.Errorf("region %s: %w", region, err)
		}
		set.Regions[normalizeRegion(region)] = rules
	}
	return set, nil
}

func (o ruleOverrides) apply(base Rules) (Rules, error) {
	rules := base
	fields := []struct {
		name  string
		value *string
		dst   *decimal.Decimal
	}{
		{"tax_rate", o.TaxRate, &rules.TaxRate},
		{"free_shipping_threshold", o.FreeShippingThreshold, &rules.FreeShippingThreshold},
		{"flat_shipping_fee", o.FlatShippingFee, &rules.FlatShippingFee},
	}
	for _, field := range fields {
		if field.value == nil {
			continue
		}
		parsed, err := decimal.NewFromString(strings.TrimSpace(*field.value))
		if err != nil {
			return Rules{}, fmt.Errorf("invalid %s %q: %w", field.name, *field.value, err)
		}
		*field.dst = parsed
	}
	if o.Currency != nil {
		rules.Currency = strings.ToUpper(strings.TrimSpace(*o.Currency))
	}
	return rules, nil
}

func normalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}
