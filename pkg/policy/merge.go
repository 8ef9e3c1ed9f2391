package policy

import "fmt"

// MergeReport describes what a merge did with the overlay.
type MergeReport struct {
	// AddedDenies counts overlay deny patterns new to the base.
	AddedDenies int

	// RemovedGrants lists base allow and ask patterns the overlay revoked.
	RemovedGrants []string

	// IgnoredGrants lists overlay allow and ask patterns. An overlay can only
	// narrow a policy, so these are dropped.
	IgnoredGrants []string
}

// Merge overlays sub onto base with deny-additive semantics and returns a new
// document; neither input is modified.
//
// For every rule set the merged deny list is the union of both deny lists, and
// the merged allow and ask lists are the base lists minus every pattern the
// overlay denies (an exact match, or a pattern the overlay deny glob covers
// as a literal). The overlay's own allow and ask entries are never added, so
// the result can never be wider than base.
func Merge(base, sub *Document) (*Document, MergeReport, error) {
	var report MergeReport
	if base == nil || sub == nil {
		return nil, report, fmt.Errorf("merge requires a base and an overlay")
	}
	if sub.Spec.Role != base.Spec.Role {
		return nil, report, fmt.Errorf("sub-policy role %s does not match base role %s", sub.Spec.Role, base.Spec.Role)
	}
	if sub.Spec.SubPolicy != nil {
		return nil, report, fmt.Errorf("sub-policy must not declare its own sub_policy")
	}

	out := base.Clone()
	out.Spec.Tools = mergeRuleSet(base.Spec.Tools, sub.Spec.Tools, matchPermissive, &report)
	out.Spec.Bash = mergeRuleSet(base.Spec.Bash, sub.Spec.Bash, matchPermissive, &report)
	out.Spec.Filesystem = mergeRuleSet(base.Spec.Filesystem, sub.Spec.Filesystem, matchPath, &report)
	out.Spec.Network = mergeRuleSet(base.Spec.Network, sub.Spec.Network, matchPath, &report)

	// An empty methods list means defaults; make it explicit before
	// narrowing so an overlay deny still has something to remove.
	baseMethods := base.Spec.Methods
	if len(baseMethods.Allow) == 0 && !sub.Spec.Methods.IsEmpty() {
		baseMethods.Allow = append([]string(nil), DefaultAllowedMethods...)
	}
	out.Spec.Methods = mergeRuleSet(baseMethods, sub.Spec.Methods, matchPermissive, &report)

	out.Spec.RateLimit = StricterRateLimit(base.Spec.RateLimit, sub.Spec.RateLimit)
	if sub.Metadata.Version != "" {
		out.Metadata.Version = base.Metadata.Version + "+" + sub.Metadata.Version
	}
	return out, report, nil
}

func mergeRuleSet(base, overlay RuleSet, mode matchMode, report *MergeReport) RuleSet {
	denies, _ := compileList(overlay.Deny, mode)

	revoked := func(pattern string) bool {
		for _, d := range overlay.Deny {
			if d == pattern {
				return true
			}
		}
		for _, g := range denies {
			if g.Match(pattern) {
				return true
			}
		}
		return false
	}

	out := RuleSet{Deny: append([]string(nil), base.Deny...)}
	seen := make(map[string]struct{}, len(base.Deny))
	for _, d := range base.Deny {
		seen[d] = struct{}{}
	}
	for _, d := range overlay.Deny {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out.Deny = append(out.Deny, d)
		report.AddedDenies++
	}

	for _, a := range base.Allow {
		if revoked(a) {
			report.RemovedGrants = append(report.RemovedGrants, a)
			continue
		}
		out.Allow = append(out.Allow, a)
	}
	for _, a := range base.Ask {
		if revoked(a) {
			report.RemovedGrants = append(report.RemovedGrants, a)
			continue
		}
		out.Ask = append(out.Ask, a)
	}

	report.IgnoredGrants = append(report.IgnoredGrants, overlay.Allow...)
	report.IgnoredGrants = append(report.IgnoredGrants, overlay.Ask...)
	return out
}
