package pep

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// State tracks one evaluation through the gateway:
// Idle -> PolicyLoaded -> Validated -> Evaluated (terminal).
type State int

const (
	Idle State = iota
	PolicyLoaded
	Validated
	EvaluatedPermit
	EvaluatedDeny
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case PolicyLoaded:
		return "POLICY_LOADED"
	case Validated:
		return "VALIDATED"
	case EvaluatedPermit:
		return "PERMIT"
	case EvaluatedDeny:
		return "DENY"
	default:
		return "UNKNOWN"
	}
}

// Gateway is the enforcement point for one evaluation. Invalid or
// non-instantiable documents are logged and reported as "not permitted";
// nothing in this type panics into caller code.
type Gateway struct {
	Engine Engine
	Facts  Facts

	state  State
	policy *Document
}

func NewGateway(engine Engine, facts Facts) *Gateway {
	if engine == nil {
		engine = RuleEngine{}
	}
	return &Gateway{Engine: engine, Facts: facts, state: Idle}
}

func (g *Gateway) State() State { return g.state }

// AddReferencePolicy instantiates a contract or bilateral agreement
// document through the engine. Instantiation failure leaves the gateway
// in Idle, which later reads as deny.
func (g *Gateway) AddReferencePolicy(doc []byte) error {
	policy, err := g.Engine.Instantiate(doc)
	if err != nil {
		log.Printf("pep: policy instantiation failed: %v", err)
		g.state = Idle
		g.policy = nil
		return err
	}
	g.policy = policy
	g.state = PolicyLoaded
	return nil
}

// Validate registers the loaded policy for evaluation. A document with no
// usable permissions fails validation.
func (g *Gateway) Validate() bool {
	if g.state != PolicyLoaded || g.policy == nil {
		return false
	}
	if len(g.policy.Targets()) == 0 {
		log.Printf("pep: policy has no permission targets, rejecting")
		return false
	}
	g.state = Validated
	return true
}

// QueryResource asks whether the action on the target is currently
// performable. Errors from the engine or fact resolution read as deny.
func (g *Gateway) QueryResource(ctx context.Context, action, target string, params map[string]string) bool {
	if g.state != Validated || g.policy == nil {
		g.state = EvaluatedDeny
		return false
	}
	resolved, ok := ReconcileTarget(g.policy, target)
	if !ok {
		// Open question in the original behavior: unmatched targets fell
		// through to a permit in some branches. Fail closed instead.
		log.Printf("pep: target %q not found in policy, denying", target)
		g.state = EvaluatedDeny
		return false
	}
	permitted, err := g.Engine.Evaluate(ctx, g.policy, action, resolved, g.Facts, params)
	if err != nil {
		log.Printf("pep: evaluate %s on %s: %v", action, target, err)
		g.state = EvaluatedDeny
		return false
	}
	if permitted {
		g.state = EvaluatedPermit
	} else {
		g.state = EvaluatedDeny
	}
	return permitted
}

// ReconcileTarget maps a requested target onto a policy target: exact
// match first, then a match on the URL's final path segment. The same
// logical resource may be addressed by full URL in one context and by
// bare id in another.
func ReconcileTarget(doc *Document, target string) (string, bool) {
	targets := doc.Targets()
	for _, t := range targets {
		if t == target {
			return t, true
		}
	}
	requested := lastPathSegment(target)
	if requested == "" {
		return "", false
	}
	for _, t := range targets {
		if lastPathSegment(t) == requested {
			return t, true
		}
	}
	return "", false
}

func lastPathSegment(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return ""
	}
	if parsed, err := url.Parse(trimmed); err == nil && parsed.Path != "" {
		trimmed = strings.TrimRight(parsed.Path, "/")
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// PDP bundles the fetch-instantiate-validate-evaluate sequence for
// orchestration callers: one call per exchange step, one fresh policy
// fetch per call.
type PDP struct {
	Engine     Engine
	Facts      Facts
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

// CheckAllowed fetches the reference policy at contractURL and evaluates
// the action on the target. Any failure along the way is a deny with the
// cause returned for the exchange payload trail.
func (p *PDP) CheckAllowed(ctx context.Context, contractURL, action, target string, params map[string]string) (bool, error) {
	doc, err := FetchDocument(ctx, p.Client, contractURL, p.Retries, p.RetryDelay)
	if err != nil {
		return false, err
	}
	g := NewGateway(p.Engine, p.Facts)
	if err := g.AddReferencePolicy(doc); err != nil {
		return false, err
	}
	if !g.Validate() {
		return false, nil
	}
	return g.QueryResource(ctx, action, target, params), nil
}
