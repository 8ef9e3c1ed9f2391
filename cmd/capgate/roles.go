package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

func newRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List roles and their built-in capabilities",
		Args:  cobra.NoArgs,
		RunE:  runRoles,
	}
}

func runRoles(cmd *cobra.Command, _ []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tRANK\tTOOLS\tBASH\tWRITE\tNETWORK\tRATE LIMIT")
	for _, role := range policy.Roles() {
		doc, err := policy.DefaultDocument(role)
		if err != nil {
			return err
		}
		s := doc.Spec
		rl := s.RateLimit
		if rl == "" {
			rl = "none"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			role, role.Rank(),
			summarize(s.Tools.Allow),
			capability(s.Bash),
			capability(policy.RuleSet{Allow: withPrefix(s.Filesystem.Allow, "write:"), Ask: withPrefix(s.Filesystem.Ask, "write:")}),
			capability(s.Network),
			rl,
		)
	}
	return w.Flush()
}

// capability condenses a rule set to none, ask, some or any.
func capability(rs policy.RuleSet) string {
	for _, p := range rs.Allow {
		if p == "*" || p == "**" {
			return "any"
		}
	}
	switch {
	case len(rs.Allow) > 0:
		return "some"
	case len(rs.Ask) > 0:
		return "ask"
	}
	return "none"
}

func summarize(patterns []string) string {
	if len(patterns) == 0 {
		return "-"
	}
	const limit = 5
	if len(patterns) > limit {
		return strings.Join(patterns[:limit], ",") + fmt.Sprintf(",+%d", len(patterns)-limit)
	}
	return strings.Join(patterns, ",")
}

func withPrefix(patterns []string, prefix string) []string {
	var out []string
	for _, p := range patterns {
		if strings.HasPrefix(p, prefix) || strings.HasPrefix(p, "*:") {
			out = append(out, p)
		}
	}
	return out
}
