package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// Variant names. Each was once a separate plugin with its own copy of the
// table and loop; they now differ only in defaults and forwarding policy.
const (
	VariantFlowCounter   = "flowcounter" // default
	VariantRateLimiter   = "ratelimiter"
	VariantCLB           = "clb"
	VariantCPolicer      = "cpolicer"
	VariantSourceCounter = "sourcecounter"
)

// Variant bundles a forwarding policy with its default sizing.
type Variant struct {
	Name          string
	Policy        Policy
	PipelineDepth int    // 1 = single loop, >1 = software pipelined
	Buckets       uint32 // default primary buckets per core table
}

// variantRegistry holds the known variants, keyed by name.
var variantRegistry = map[string]Variant{}

// RegisterVariant adds or replaces a variant.
func RegisterVariant(v Variant) {
	if v.Policy == nil {
		v.Policy = Reflect
	}
	variantRegistry[v.Name] = v
}

// LookupVariant returns the named variant. An empty name selects
// flowcounter.
func LookupVariant(name string) (Variant, error) {
	if name == "" {
		name = VariantFlowCounter
	}
	v, ok := variantRegistry[name]
	if !ok {
		return Variant{}, fmt.Errorf("unknown variant %q (valid: %s)", name, strings.Join(VariantNames(), ", "))
	}
	return v, nil
}

// VariantNames returns the registered names, sorted.
func VariantNames() []string {
	names := make([]string, 0, len(variantRegistry))
	for n := range variantRegistry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterVariant(Variant{Name: VariantFlowCounter, PipelineDepth: 1, Buckets: 2097152})
	RegisterVariant(Variant{Name: VariantSourceCounter, PipelineDepth: 1, Buckets: 2097152})
	RegisterVariant(Variant{Name: VariantRateLimiter, PipelineDepth: 4, Buckets: 2097152})
	RegisterVariant(Variant{Name: VariantCLB, PipelineDepth: 4, Buckets: 2097152})
	RegisterVariant(Variant{Name: VariantCPolicer, PipelineDepth: 4, Buckets: 4194304})
}
