// Package authz is the authorization decision point. Policies combine
// role, relationship and attribute rules; every decision carries a trace
// of the policies that matched.
package authz

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"signline/internal/domain"
	"signline/internal/metrics"
	"signline/internal/repo"
)

const keySep = "\x1f"

type Decider struct {
	Repo  repo.Repo
	Log   *logrus.Logger
	cache *expirable.LRU[string, domain.AuthzDecision]
}

// New builds a decider with a TTL-bounded decision cache. The TTL is
// clamped by config to five minutes.
func New(r repo.Repo, log *logrus.Logger, cacheSize int, ttl time.Duration) *Decider {
	return &Decider{
		Repo:  r,
		Log:   log,
		cache: expirable.NewLRU[string, domain.AuthzDecision](cacheSize, nil, ttl),
	}
}

func cacheKey(req domain.AuthzRequest) string {
	return strings.Join([]string{req.Subject, req.Action, req.Resource, req.ResourceType}, keySep)
}

// Decide evaluates enabled policies in priority order. The first matching
// deny short-circuits; a matching allow is remembered and the scan
// continues so a lower-priority deny can still override it. No match at
// all denies.
func (d *Decider) Decide(ctx context.Context, req domain.AuthzRequest) (domain.AuthzDecision, error) {
	key := cacheKey(req)
	if cached, ok := d.cache.Get(key); ok {
		cached.FromCache = true
		metrics.AuthzDecisions.WithLabelValues(cached.Decision, "cache").Inc()
		return cached, nil
	}

	policies, err := d.Repo.ListEnabledPolicies(ctx)
	if err != nil {
		return domain.AuthzDecision{}, domain.Wrap(domain.KindInternal, err, "load policies")
	}

	ec, err := d.newEvalContext(ctx, req)
	if err != nil {
		return domain.AuthzDecision{}, err
	}

	decision := domain.AuthzDecision{Decision: domain.EffectDeny, Reason: "no matching policy"}
	var allowed *domain.Policy
	for i := range policies {
		p := policies[i]
		if !applies(p, req) {
			continue
		}
		matched, err := d.matches(ctx, p, ec)
		if err != nil {
			return domain.AuthzDecision{}, err
		}
		decision.MatchedPolicies = append(decision.MatchedPolicies, domain.PolicyTrace{
			PolicyID: p.ID,
			Name:     p.Name,
			Effect:   p.Effect,
			Matched:  matched,
		})
		if !matched {
			continue
		}
		if p.Effect == domain.EffectDeny {
			decision.Decision = domain.EffectDeny
			decision.Reason = fmt.Sprintf("denied by policy %s", p.Name)
			allowed = nil
			break
		}
		if allowed == nil {
			allowed = &p
		}
	}
	if allowed != nil {
		decision.Decision = domain.EffectAllow
		decision.Reason = fmt.Sprintf("allowed by policy %s", allowed.Name)
	}

	d.cache.Add(key, decision)
	metrics.AuthzDecisions.WithLabelValues(decision.Decision, "evaluated").Inc()
	d.Log.WithFields(logrus.Fields{
		"subject":  req.Subject,
		"action":   req.Action,
		"resource": req.Resource,
		"decision": decision.Decision,
	}).Debug("authz decision")
	return decision, nil
}

// InvalidateSubject drops cached decisions involving the subject.
func (d *Decider) InvalidateSubject(subject string) {
	for _, key := range d.cache.Keys() {
		if strings.HasPrefix(key, subject+keySep) {
			d.cache.Remove(key)
		}
	}
}

// InvalidateResource drops cached decisions involving the resource.
func (d *Decider) InvalidateResource(resource string) {
	for _, key := range d.cache.Keys() {
		parts := strings.Split(key, keySep)
		if len(parts) == 4 && parts[2] == resource {
			d.cache.Remove(key)
		}
	}
}

// InvalidateAll purges the cache. Called on policy writes.
func (d *Decider) InvalidateAll() {
	d.cache.Purge()
}

func applies(p domain.Policy, req domain.AuthzRequest) bool {
	if !matchesScope(p.ResourceTypes, req.ResourceType) {
		return false
	}
	return matchesScope(p.Actions, req.Action)
}

// matchesScope treats an empty list and "*" as wildcards.
func matchesScope(scope []string, value string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == "*" || s == value {
			return true
		}
	}
	return false
}

// evalContext carries the flattened request attributes and lazily loaded
// relationship data shared across policies of one evaluation.
type evalContext struct {
	req        domain.AuthzRequest
	roles      map[string]bool
	attrs      map[string]any
	orgs       []string
	orgsLoaded bool
}

func (d *Decider) newEvalContext(ctx context.Context, req domain.AuthzRequest) (*evalContext, error) {
	subjectAttrs, err := d.Repo.EntityAttributes(ctx, req.Subject)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "load subject attributes")
	}
	resourceAttrs, err := d.Repo.EntityAttributes(ctx, req.Resource)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "load resource attributes")
	}

	attrs := map[string]any{
		"subject.id":    req.Subject,
		"resource.id":   req.Resource,
		"resource.type": req.ResourceType,
		"action":        req.Action,
	}
	for k, v := range subjectAttrs {
		attrs["subject."+k] = v
	}
	for k, v := range resourceAttrs {
		attrs["resource."+k] = v
	}
	// Request attributes override stored ones: the caller sees fresher
	// context than the attribute store.
	for k, v := range req.SubjectAttrs {
		attrs["subject."+k] = v
	}
	for k, v := range req.ResourceAttrs {
		attrs["resource."+k] = v
	}
	for k, v := range req.EnvAttrs {
		attrs["env."+k] = v
	}
	if req.ClientInfo != nil {
		if req.ClientInfo.IP != "" {
			attrs["env.client_ip"] = req.ClientInfo.IP
		}
		if req.ClientInfo.UserAgent != "" {
			attrs["env.user_agent"] = req.ClientInfo.UserAgent
		}
	}

	roles := map[string]bool{}
	collectRoles(roles, subjectAttrs["roles"])
	if req.SubjectAttrs != nil {
		collectRoles(roles, req.SubjectAttrs["roles"])
	}

	return &evalContext{req: req, roles: roles, attrs: attrs}, nil
}

func collectRoles(into map[string]bool, v any) {
	switch list := v.(type) {
	case []string:
		for _, r := range list {
			into[r] = true
		}
	case []any:
		for _, r := range list {
			if s, ok := r.(string); ok {
				into[s] = true
			}
		}
	case string:
		if list != "" {
			into[list] = true
		}
	}
}

func (d *Decider) subjectOrgs(ctx context.Context, ec *evalContext) ([]string, error) {
	if !ec.orgsLoaded {
		orgs, err := d.Repo.SubjectOrgs(ctx, ec.req.Subject)
		if err != nil {
			return nil, domain.Wrap(domain.KindInternal, err, "load subject organizations")
		}
		ec.orgs = orgs
		ec.orgsLoaded = true
	}
	return ec.orgs, nil
}

func (d *Decider) matches(ctx context.Context, p domain.Policy, ec *evalContext) (bool, error) {
	switch p.Type {
	case domain.PolicyRBAC:
		return matchRBAC(p, ec), nil
	case domain.PolicyReBAC:
		return d.matchReBAC(ctx, p, ec)
	case domain.PolicyABAC:
		return d.matchABAC(p, ec), nil
	case domain.PolicyHybrid:
		return d.matchHybrid(ctx, p, ec)
	}
	d.Log.WithField("policy", p.ID).Warn("unknown policy type, skipping")
	return false, nil
}

// matchRBAC requires a role intersection. When the policy lists
// permissions the action must be among them; otherwise the role grant
// covers every action the policy is scoped to.
func matchRBAC(p domain.Policy, ec *evalContext) bool {
	if len(p.Roles) == 0 {
		return false
	}
	var roleMatch bool
	for _, r := range p.Roles {
		if ec.roles[r] {
			roleMatch = true
			break
		}
	}
	if !roleMatch {
		return false
	}
	if len(p.Permissions) == 0 {
		return true
	}
	for _, perm := range p.Permissions {
		if perm == "*" || perm == ec.req.Action {
			return true
		}
	}
	return false
}

// matchReBAC accepts a direct triple or a two-hop walk through an
// organization the subject is a member of.
func (d *Decider) matchReBAC(ctx context.Context, p domain.Policy, ec *evalContext) (bool, error) {
	if len(p.Relationships) == 0 {
		return false, nil
	}
	ok, err := d.Repo.HasRelationship(ctx, ec.req.Subject, p.Relationships, ec.req.Resource, ec.req.ResourceType)
	if err != nil {
		return false, domain.Wrap(domain.KindInternal, err, "relationship lookup")
	}
	if ok {
		return true, nil
	}
	orgs, err := d.subjectOrgs(ctx, ec)
	if err != nil {
		return false, err
	}
	for _, org := range orgs {
		ok, err := d.Repo.HasRelationship(ctx, org, p.Relationships, ec.req.Resource, ec.req.ResourceType)
		if err != nil {
			return false, domain.Wrap(domain.KindInternal, err, "relationship lookup")
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (d *Decider) matchABAC(p domain.Policy, ec *evalContext) bool {
	if len(p.Conditions) == 0 {
		return false
	}
	return d.evalConditions(p.ID, p.Conditions, ec.attrs)
}

// matchHybrid requires every non-empty section to match. Empty sections
// are ignored; a policy with no sections at all never matches.
func (d *Decider) matchHybrid(ctx context.Context, p domain.Policy, ec *evalContext) (bool, error) {
	present := false
	if len(p.Roles) > 0 {
		present = true
		if !matchRBAC(p, ec) {
			return false, nil
		}
	}
	if len(p.Relationships) > 0 {
		present = true
		ok, err := d.matchReBAC(ctx, p, ec)
		if err != nil || !ok {
			return false, err
		}
	}
	if len(p.Conditions) > 0 {
		present = true
		if !d.evalConditions(p.ID, p.Conditions, ec.attrs) {
			return false, nil
		}
	}
	return present, nil
}

// evalConditions groups conditions by their group key in declared order,
// folds each group with the per-condition logical operator, and requires
// every group to hold.
func (d *Decider) evalConditions(policyID string, conds []domain.Condition, attrs map[string]any) bool {
	type group struct {
		set    bool
		result bool
	}
	order := []string{}
	groups := map[string]*group{}
	for _, c := range conds {
		g, ok := groups[c.Group]
		if !ok {
			g = &group{}
			groups[c.Group] = g
			order = append(order, c.Group)
		}
		r := d.evalCondition(policyID, c, attrs)
		if c.LogicalOperator == "NOT" {
			r = !r
		}
		if !g.set {
			g.set = true
			g.result = r
			continue
		}
		if c.LogicalOperator == "OR" {
			g.result = g.result || r
		} else {
			g.result = g.result && r
		}
	}
	for _, name := range order {
		if !groups[name].result {
			return false
		}
	}
	return true
}

func (d *Decider) evalCondition(policyID string, c domain.Condition, attrs map[string]any) bool {
	actual, present := attrs[c.AttributePath]
	switch c.Operator {
	case "eq":
		return present && valueEq(actual, c.Value)
	case "neq":
		return !present || !valueEq(actual, c.Value)
	case "lt", "lte", "gt", "gte":
		if !present {
			return false
		}
		cmp, ok := compare(actual, c.Value)
		if !ok {
			return false
		}
		switch c.Operator {
		case "lt":
			return cmp < 0
		case "lte":
			return cmp <= 0
		case "gt":
			return cmp > 0
		default:
			return cmp >= 0
		}
	case "in":
		return present && listHas(c.Value, actual)
	case "not_in":
		return !present || !listHas(c.Value, actual)
	case "contains":
		return present && containsValue(actual, c.Value)
	case "not_contains":
		return !present || !containsValue(actual, c.Value)
	case "starts_with":
		s, ok1 := asString(actual)
		prefix, ok2 := asString(c.Value)
		return present && ok1 && ok2 && strings.HasPrefix(s, prefix)
	case "ends_with":
		s, ok1 := asString(actual)
		suffix, ok2 := asString(c.Value)
		return present && ok1 && ok2 && strings.HasSuffix(s, suffix)
	case "matches_regex":
		s, ok1 := asString(actual)
		pattern, ok2 := asString(c.Value)
		if !present || !ok1 || !ok2 {
			return false
		}
		matched, err := matchRegex(pattern, s)
		if err != nil {
			d.Log.WithFields(logrus.Fields{"policy": policyID, "pattern": pattern}).
				Warn("invalid regex in policy condition")
			return false
		}
		return matched
	}
	d.Log.WithFields(logrus.Fields{"policy": policyID, "operator": c.Operator}).
		Warn("unknown condition operator")
	return false
}

func valueEq(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	sa, okA := asString(a)
	sb, okB := asString(b)
	if okA && okB {
		return sa == sb
	}
	ba, okA := a.(bool)
	bb, okB := b.(bool)
	if okA && okB {
		return ba == bb
	}
	return false
}

// compare returns -1/0/1 for numeric or lexicographic order.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	sa, okA := asString(a)
	sb, okB := asString(b)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// listHas reports whether the condition value, read as a list, holds the
// actual value.
func listHas(list any, actual any) bool {
	switch items := list.(type) {
	case []any:
		for _, item := range items {
			if valueEq(item, actual) {
				return true
			}
		}
	case []string:
		for _, item := range items {
			if valueEq(item, actual) {
				return true
			}
		}
	}
	return false
}

// containsValue handles both string containment and list membership.
func containsValue(actual, needle any) bool {
	if s, ok := asString(actual); ok {
		if sub, ok := asString(needle); ok {
			return strings.Contains(s, sub)
		}
		return false
	}
	return listHas(actual, needle)
}

func matchRegex(pattern, s string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}
