package ratelimits

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BucketPolicy is a named rate/size/limit template, loaded from YAML and
// resolved against a bucket key at charge time: a YAML file of defaults by
// name, and an optional YAML file of per-key overrides, layered on top of
// the library's Bucket/ChargeRequest primitives.
type BucketPolicy struct {
	Rate                  float64 `yaml:"rate"`
	Size                  float64 `yaml:"size"`
	Limit                 float64 `yaml:"limit"`
	AllowChargeAdjustment bool    `yaml:"allow_charge_adjustment"`
}

// toOptions converts the policy's limit/adjustment fields into ChargeOptions.
func (p BucketPolicy) toOptions() ChargeOptions {
	return ChargeOptions{Limit: p.Limit, AllowChargeAdjustment: p.AllowChargeAdjustment}
}

// PolicySet holds named default policies and optional per-bucket-key
// overrides.
type PolicySet struct {
	defaults  map[string]BucketPolicy
	overrides map[string]BucketPolicy
}

// LoadPolicySet reads defaultsPath (required) and overridesPath (optional;
// pass "" to skip) as YAML documents mapping to BucketPolicy values: the
// defaults are keyed by policy name, the overrides by bucket key.
func LoadPolicySet(defaultsPath, overridesPath string) (*PolicySet, error) {
	defaults, err := loadPolicyFile(defaultsPath)
	if err != nil {
		return nil, fmt.Errorf("ratelimits: loading default policies: %w", err)
	}

	ps := &PolicySet{defaults: defaults, overrides: map[string]BucketPolicy{}}
	if overridesPath == "" {
		return ps, nil
	}

	overrides, err := loadPolicyFile(overridesPath)
	if err != nil {
		return nil, fmt.Errorf("ratelimits: loading override policies: %w", err)
	}
	ps.overrides = overrides
	return ps, nil
}

func loadPolicyFile(path string) (map[string]BucketPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]BucketPolicy
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Resolve builds a Bucket and its ChargeOptions for (name, key): a key-
// specific override wins if one is registered, otherwise the named default
// applies.
func (ps *PolicySet) Resolve(name, key string) (Bucket, ChargeOptions, error) {
	policy, ok := ps.overrides[key]
	if !ok {
		policy, ok = ps.defaults[name]
		if !ok {
			return Bucket{}, ChargeOptions{}, fmt.Errorf("ratelimits: no policy named %q", name)
		}
	}
	bucket, err := NewBucket(key, policy.Rate, policy.Size)
	if err != nil {
		return Bucket{}, ChargeOptions{}, err
	}
	return bucket, policy.toOptions(), nil
}
