package routes

import (
	"net/netip"

	"split-dns/pkg/policy"
)

// Filter decides which reported addresses get a route.
// A nil Filter accepts everything.
type Filter struct {
	engine *policy.Engine
}

// NewFilter compiles expression against policy.Context. An empty expression yields a nil Filter.
func NewFilter(expression string) (*Filter, error) {
	if expression == "" {
		return nil, nil
	}

	engine := policy.NewEngine()
	if err := engine.AddRule(&policy.Rule{
		Name:    "routes.filter",
		Logic:   expression,
		Action:  policy.ActionInstall,
		Enabled: true,
	}); err != nil {
		return nil, err
	}
	return &Filter{engine: engine}, nil
}

// Allow reports whether addr should be routed
func (f *Filter) Allow(addr netip.Addr) bool {
	if f == nil {
		return true
	}
	matched, rule := f.engine.Evaluate(policy.NewContext(addr))
	return matched && rule.Action == policy.ActionInstall
}
