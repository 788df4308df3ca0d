// Package seed loads tenant setup from a YAML file: machines, sizing
// profiles and SKU layouts. Meant for first-run provisioning and for
// test fixtures.
package seed

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"basepack/internal"
	"basepack/internal/storage"
)

type File struct {
	Tenants []Tenant `yaml:"tenants"`
}

type Tenant struct {
	Name     string    `yaml:"name"`
	Machines []Machine `yaml:"machines"`
	Profiles []Profile `yaml:"sizing_profiles"`
	Layouts  []Layout  `yaml:"sku_layouts"`
}

type Machine struct {
	Name        string  `yaml:"name"`
	MaxWidthMM  float64 `yaml:"max_width_mm"`
	MaxLengthMM float64 `yaml:"max_length_mm"`
	MinDPI      int     `yaml:"min_dpi"`
}

type Profile struct {
	SizeLabel     string  `yaml:"size_label"`
	TargetWidthMM float64 `yaml:"target_width_mm"`
	SkuPrefix     string  `yaml:"sku_prefix"`
	Default       bool    `yaml:"default"`
}

type Layout struct {
	Name                string `yaml:"name"`
	PatternType         string `yaml:"pattern_type"` // regex | mask
	Pattern             string `yaml:"pattern"`
	Priority            int    `yaml:"priority"`
	AllowHyphenVariants bool   `yaml:"allow_hyphen_variants"`
}

func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &f, nil
}

// Apply provisions every tenant in the file. Machines and assets are
// upserted; profiles and layouts are only inserted when the tenant has
// none yet, so re-running a seed never duplicates them.
func Apply(log *slog.Logger, db *storage.DB, f *File) error {
	for _, t := range f.Tenants {
		if t.Name == "" {
			return fmt.Errorf("seed tenant with empty name")
		}
		tenant, err := db.EnsureTenant(t.Name)
		if err != nil {
			return err
		}

		for _, m := range t.Machines {
			if m.MaxWidthMM <= 0 || m.MaxLengthMM <= 0 {
				return fmt.Errorf("machine %q: dimensions must be positive", m.Name)
			}
			if _, err := db.UpsertMachine(internal.Machine{
				TenantID:    tenant.ID,
				Name:        m.Name,
				MaxWidthMM:  m.MaxWidthMM,
				MaxLengthMM: m.MaxLengthMM,
				MinDPI:      m.MinDPI,
			}); err != nil {
				return err
			}
		}

		existing, err := db.ListSizingProfiles(tenant.ID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			for _, p := range t.Profiles {
				sp := internal.SizingProfile{
					TenantID:      tenant.ID,
					SizeLabel:     p.SizeLabel,
					TargetWidthMM: p.TargetWidthMM,
					IsDefault:     p.Default,
				}
				if p.SkuPrefix != "" {
					sp.SkuPrefix = internal.StringPtr(p.SkuPrefix)
				}
				if _, err := db.InsertSizingProfile(sp); err != nil {
					return err
				}
			}
		}

		layouts, err := db.ListActiveLayouts(tenant.ID)
		if err != nil {
			return err
		}
		if len(layouts) == 0 {
			for _, l := range t.Layouts {
				if l.PatternType != "regex" && l.PatternType != "mask" {
					return fmt.Errorf("layout %q: pattern type must be regex or mask", l.Name)
				}
				if _, err := db.InsertSkuLayout(internal.SkuLayout{
					TenantID:            tenant.ID,
					Name:                l.Name,
					PatternType:         l.PatternType,
					Pattern:             l.Pattern,
					Priority:            l.Priority,
					Active:              true,
					AllowHyphenVariants: l.AllowHyphenVariants,
				}); err != nil {
					return err
				}
			}
		}

		log.Info("tenant seeded", "tenant", t.Name,
			"machines", len(t.Machines), "profiles", len(t.Profiles), "layouts", len(t.Layouts))
	}
	return nil
}
