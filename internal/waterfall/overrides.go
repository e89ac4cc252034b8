package waterfall

import (
	"errors"
	"io/fs"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/price-scraper/internal/model"
)

// Override pins or narrows method selection for one vendor.
type Override struct {
	Method    string                 `yaml:"method"`
	Preferred []string               `yaml:"preferred_methods"`
	Allowed   []string               `yaml:"allowed_methods"`
	Hints     *model.ExtractionHints `yaml:"hints,omitempty"`
	Reason    string                 `yaml:"reason"`
}

// Overrides is the per-vendor override table keyed by vendor slug.
type Overrides struct {
	Vendors map[string]Override `yaml:"vendors"`
}

// LoadOverrides reads the override table from a YAML file. A missing file
// yields an empty table.
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Overrides{Vendors: map[string]Override{}}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read overrides %s", path)
	}

	// The YAML has a top-level "overrides" key
	var wrapper struct {
		Overrides Overrides `yaml:"overrides"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse overrides")
	}

	o := &wrapper.Overrides
	if o.Vendors == nil {
		o.Vendors = map[string]Override{}
	}
	for slug, ov := range o.Vendors {
		if ov.Method != "" {
			if _, err := model.ParseMethod(ov.Method); err != nil {
				return nil, eris.Wrapf(err, "waterfall: override for %s", slug)
			}
		}
		if _, err := model.ParseMethods(ov.Preferred); err != nil {
			return nil, eris.Wrapf(err, "waterfall: override for %s", slug)
		}
		if _, err := model.ParseMethods(ov.Allowed); err != nil {
			return nil, eris.Wrapf(err, "waterfall: override for %s", slug)
		}
	}
	return o, nil
}

// Apply returns v with any override for its slug merged in. Vendor-level
// settings stored in the database win over the table.
func (o *Overrides) Apply(v model.Vendor) model.Vendor {
	if o == nil {
		return v
	}
	ov, ok := o.Vendors[v.Slug]
	if !ok {
		return v
	}
	if v.OverrideMethod == "" && ov.Method != "" {
		v.OverrideMethod, _ = model.ParseMethod(ov.Method)
	}
	if len(v.PreferredMethods) == 0 && len(ov.Preferred) > 0 {
		v.PreferredMethods, _ = model.ParseMethods(ov.Preferred)
	}
	if len(v.AllowedMethods) == 0 && len(ov.Allowed) > 0 {
		v.AllowedMethods, _ = model.ParseMethods(ov.Allowed)
	}
	if ov.Hints != nil && v.Hints == (model.ExtractionHints{}) {
		v.Hints = *ov.Hints
	}
	return v
}
