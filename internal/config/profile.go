package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Profile holds operand defaults loaded from a YAML file before the command
// line is applied, so recurring invocations (backup jobs, bench rigs) do not
// repeat the same operand soup.
type Profile struct {
	// Bs accepts datasize suffixes ("4kb"), like the bs= operand.
	Bs         *string            `yaml:"bs"`
	Bpt        *int               `yaml:"bpt"`
	CdbSize    *int               `yaml:"cdbsz"`
	Threads    *int               `yaml:"thr"`
	Coe        *bool              `yaml:"coe"`
	Dio        *bool              `yaml:"dio"`
	Sync       *bool              `yaml:"sync"`
	Time       *bool              `yaml:"time"`
	ElemSizeKb *int               `yaml:"elemsz_kb"`
	InFlags    []string           `yaml:"iflag"`
	OutFlags   []string           `yaml:"oflag"`
	Verbose    *int               `yaml:"verbose"`
}

// LoadProfile reads path and applies its defaults onto o.
func LoadProfile(o *Options, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("failed to parse profile %s: %w", path, err)
	}

	if p.Bs != nil {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(*p.Bs)); err != nil {
			return fmt.Errorf("profile bs %q: %w", *p.Bs, ErrSyntax)
		}
		o.Bs = int(v.Bytes())
	}
	if p.Bpt != nil {
		o.Bpt = *p.Bpt
		o.BptGiven = true
	}
	if p.CdbSize != nil {
		o.CdbSize = *p.CdbSize
		o.CdbSizeGiven = true
	}
	if p.Threads != nil {
		o.Threads = *p.Threads
	}
	if p.Coe != nil {
		o.Coe = *p.Coe
	}
	if p.Dio != nil {
		o.Dio = *p.Dio
	}
	if p.Sync != nil {
		o.Sync = *p.Sync
	}
	if p.Time != nil {
		o.Time = *p.Time
	}
	if p.ElemSizeKb != nil {
		o.ElemSizeKb = *p.ElemSizeKb
	}
	if p.Verbose != nil {
		o.Verbose = *p.Verbose
	}
	for _, name := range p.InFlags {
		if err := o.InFlags.set(name); err != nil {
			return fmt.Errorf("profile iflag: %w", err)
		}
	}
	for _, name := range p.OutFlags {
		if err := o.OutFlags.set(name); err != nil {
			return fmt.Errorf("profile oflag: %w", err)
		}
	}
	return nil
}
