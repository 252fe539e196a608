// Package policy compiles and evaluates route rules written in expr-lang.
package policy

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule actions
const (
	ActionInstall = "INSTALL"
	ActionSkip    = "SKIP"
)

// Context is the environment a rule is evaluated against
type Context struct {
	IP       string
	IPv4     bool
	IPv6     bool
	Private  bool
	Loopback bool
}

// NewContext builds the rule environment for a reported address
func NewContext(addr netip.Addr) Context {
	addr = addr.Unmap()
	return Context{
		IP:       addr.String(),
		IPv4:     addr.Is4(),
		IPv6:     addr.Is6(),
		Private:  addr.IsPrivate(),
		Loopback: addr.IsLoopback(),
	}
}

// Rule is a policy rule
type Rule struct {
	Name    string
	Logic   string
	Action  string
	Enabled bool
	program *vm.Program
}

// Engine holds compiled rules and evaluates them in insertion order
type Engine struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewEngine creates a new policy engine
func NewEngine() *Engine {
	return &Engine{}
}

// AddRule compiles the rule's logic and appends it to the engine
func (e *Engine) AddRule(rule *Rule) error {
	switch rule.Action {
	case ActionInstall, ActionSkip:
	default:
		return fmt.Errorf("rule %q: unknown action %q", rule.Name, rule.Action)
	}

	program, err := expr.Compile(rule.Logic, expr.Env(Context{}), expr.AsBool())
	if err != nil {
		return fmt.Errorf("rule %q: failed to compile logic: %w", rule.Name, err)
	}
	rule.program = program

	e.mu.Lock()
	e.rules = append(e.rules, rule)
	e.mu.Unlock()
	return nil
}

// Count returns the number of rules
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Evaluate returns the first enabled rule whose logic is true for ctx.
// A rule that fails at runtime does not match.
func (e *Engine) Evaluate(ctx Context) (bool, *Rule) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		out, err := expr.Run(rule.program, ctx)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return true, rule
		}
	}
	return false, nil
}
