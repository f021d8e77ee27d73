package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	minLevel = 1
	maxLevel = 4
)

// Policy holds the clearance rules that are configured outside the code:
// override ceilings per department, reason lengths and auto-escalation.
type Policy struct {
	MinReasonLength       int                         `yaml:"min_reason_length"`
	MaxOverrideDuration   time.Duration               `yaml:"max_override_duration"`
	DefaultDeptCeiling    int                         `yaml:"default_department_ceiling"`
	DefaultOrgWideCeiling int                         `yaml:"default_org_wide_ceiling"`
	Departments           map[string]DepartmentPolicy `yaml:"departments"`
	Escalation            EscalationPolicy            `yaml:"escalation"`
}

// DepartmentPolicy caps what may be requested for, or by members of, one department.
type DepartmentPolicy struct {
	DepartmentCeiling int `yaml:"department_ceiling"`
	OrgWideCeiling    int `yaml:"org_wide_ceiling"`
}

// EscalationPolicy controls system-generated override requests. A zero
// Threshold disables auto-escalation.
type EscalationPolicy struct {
	Threshold     int           `yaml:"threshold"`
	Window        time.Duration `yaml:"window"`
	GrantDuration time.Duration `yaml:"grant_duration"`
}

// DefaultPolicy is used when no policy file is present.
func DefaultPolicy() *Policy {
	return &Policy{
		MinReasonLength:       10,
		MaxOverrideDuration:   30 * 24 * time.Hour,
		DefaultDeptCeiling:    maxLevel,
		DefaultOrgWideCeiling: 3,
		Departments:           map[string]DepartmentPolicy{},
		Escalation: EscalationPolicy{
			Threshold:     0,
			Window:        time.Hour,
			GrantDuration: 24 * time.Hour,
		},
	}
}

// LoadPolicy reads a YAML policy file. A missing file yields DefaultPolicy;
// fields absent from the file keep their defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes YAML on top of DefaultPolicy and validates it.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if p.Departments == nil {
		p.Departments = map[string]DepartmentPolicy{}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) Validate() error {
	if p.MinReasonLength < 1 {
		return fmt.Errorf("min_reason_length must be positive, got %d", p.MinReasonLength)
	}
	if p.MaxOverrideDuration <= 0 {
		return fmt.Errorf("max_override_duration must be positive")
	}
	if !validLevel(p.DefaultDeptCeiling) {
		return fmt.Errorf("default_department_ceiling %d out of range", p.DefaultDeptCeiling)
	}
	if !validLevel(p.DefaultOrgWideCeiling) {
		return fmt.Errorf("default_org_wide_ceiling %d out of range", p.DefaultOrgWideCeiling)
	}
	for id, d := range p.Departments {
		if d.DepartmentCeiling != 0 && !validLevel(d.DepartmentCeiling) {
			return fmt.Errorf("department %s: department_ceiling %d out of range", id, d.DepartmentCeiling)
		}
		if d.OrgWideCeiling != 0 && !validLevel(d.OrgWideCeiling) {
			return fmt.Errorf("department %s: org_wide_ceiling %d out of range", id, d.OrgWideCeiling)
		}
	}
	if p.Escalation.Threshold < 0 {
		return fmt.Errorf("escalation.threshold must not be negative")
	}
	if p.Escalation.Threshold > 0 && (p.Escalation.Window <= 0 || p.Escalation.GrantDuration <= 0) {
		return fmt.Errorf("escalation.window and escalation.grant_duration must be positive when escalation is enabled")
	}
	return nil
}

// DepartmentCeiling is the highest level a department-scoped override for
// departmentID may request.
func (p *Policy) DepartmentCeiling(departmentID string) int {
	if d, ok := p.Departments[departmentID]; ok && d.DepartmentCeiling != 0 {
		return d.DepartmentCeiling
	}
	return p.DefaultDeptCeiling
}

// OrgWideCeiling is the highest org-wide level a member of the given
// departments may request: the most permissive cap among them.
func (p *Policy) OrgWideCeiling(memberOf []string) int {
	ceiling := 0
	for _, id := range memberOf {
		if d, ok := p.Departments[id]; ok && d.OrgWideCeiling > ceiling {
			ceiling = d.OrgWideCeiling
		}
	}
	if ceiling == 0 {
		return p.DefaultOrgWideCeiling
	}
	return ceiling
}

func validLevel(l int) bool {
	return l >= minLevel && l <= maxLevel
}
