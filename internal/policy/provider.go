package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	dErrors "verity/pkg/domain-errors"
	"verity/pkg/platform/sentinel"
)

// Provider supplies merge policies and normalization rules. Implementations
// must be deterministic for a fixed (schemaType, schemaVersion) pair.
//
// A missing policy surfaces as sentinel.ErrNotFound; callers decide whether
// that is a schema-unknown rejection (strict mode) or bookkeeping.
type Provider interface {
	GetMergePolicy(ctx context.Context, schemaType, schemaVersion string) (*MergePolicy, error)
	Normalizer(entityType string) Normalizer
}

// StaticProvider serves policies from an in-memory table, typically loaded
// from the schema registry's exported configuration at startup.
type StaticProvider struct {
	mu          sync.RWMutex
	policies    map[string]*MergePolicy
	normalizers map[string]Normalizer
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		policies:    make(map[string]*MergePolicy),
		normalizers: make(map[string]Normalizer),
	}
}

func policyKey(schemaType, schemaVersion string) string {
	return schemaType + "\x00" + schemaVersion
}

// Register adds a policy after validating it. A malformed policy is rejected
// here so it can never reach the reducer.
func (p *StaticProvider) Register(policy *MergePolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[policyKey(policy.SchemaType, policy.SchemaVersion)] = policy
	return nil
}

// RegisterNormalizer overrides the normalization rules for one entity type.
func (p *StaticProvider) RegisterNormalizer(entityType string, n Normalizer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.normalizers[entityType] = n
}

func (p *StaticProvider) GetMergePolicy(_ context.Context, schemaType, schemaVersion string) (*MergePolicy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if policy, ok := p.policies[policyKey(schemaType, schemaVersion)]; ok {
		return policy, nil
	}
	return nil, fmt.Errorf("merge policy %s/%s: %w", schemaType, schemaVersion, sentinel.ErrNotFound)
}

func (p *StaticProvider) Normalizer(entityType string) Normalizer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if n, ok := p.normalizers[entityType]; ok {
		return n
	}
	return DefaultNormalizer
}

// policyFile is the exported registry document format.
type policyFile struct {
	Policies []struct {
		SchemaType    string `json:"schema_type"`
		SchemaVersion string `json:"schema_version"`
		Fields        map[string]struct {
			Strategy string `json:"strategy"`
		} `json:"fields"`
	} `json:"policies"`
}

// LoadFile reads a registry export and returns a validated static provider.
// An unknown strategy anywhere in the file fails the whole load: a fatal
// configuration error must halt startup, never default silently.
func LoadFile(path string) (*StaticProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "read policy file")
	}
	var doc policyFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "parse policy file")
	}
	provider := NewStaticProvider()
	for _, entry := range doc.Policies {
		policy := &MergePolicy{
			SchemaType:    entry.SchemaType,
			SchemaVersion: entry.SchemaVersion,
			Fields:        make(map[string]FieldRule, len(entry.Fields)),
		}
		for field, rule := range entry.Fields {
			policy.Fields[field] = FieldRule{Strategy: Strategy(rule.Strategy)}
		}
		if err := provider.Register(policy); err != nil {
			return nil, err
		}
	}
	return provider, nil
}

// CachedProvider memoizes lookups against a slower upstream provider and
// collapses concurrent lookups for the same pair into one upstream call.
// Safe because policies for a fixed pair never change (schema evolution
// creates a new version).
type CachedProvider struct {
	upstream Provider
	group    singleflight.Group

	mu    sync.RWMutex
	cache map[string]*MergePolicy
}

func NewCachedProvider(upstream Provider) *CachedProvider {
	return &CachedProvider{
		upstream: upstream,
		cache:    make(map[string]*MergePolicy),
	}
}

func (p *CachedProvider) GetMergePolicy(ctx context.Context, schemaType, schemaVersion string) (*MergePolicy, error) {
	key := policyKey(schemaType, schemaVersion)

	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}

	result, err, _ := p.group.Do(key, func() (any, error) {
		policy, err := p.upstream.GetMergePolicy(ctx, schemaType, schemaVersion)
		if err != nil {
			// Misses are not cached: the registry may learn the version later.
			return nil, err
		}
		p.mu.Lock()
		p.cache[key] = policy
		p.mu.Unlock()
		return policy, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*MergePolicy), nil
}

func (p *CachedProvider) Normalizer(entityType string) Normalizer {
	return p.upstream.Normalizer(entityType)
}
