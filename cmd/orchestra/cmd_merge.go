package main

import (
	"errors"
	"fmt"

	"orchestra/pkg/merge"

	"github.com/spf13/cobra"
)

// mergeOutcome is the JSON view of one merge.
type mergeOutcome struct {
	AgentID       string   `json:"agent_id"`
	CommitSHA     string   `json:"commit_sha,omitempty"`
	AlreadyMerged bool     `json:"already_merged,omitempty"`
	Conflicts     []string `json:"conflicts,omitempty"`
	Error         string   `json:"error,omitempty"`
}

func newMergeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <agent-id>...",
		Short: "Land completed agents' branches on the integration branch",
		Long: "Rebases each agent's branch onto the integration branch inside its worktree\n" +
			"and fast-forwards the integration branch, which must be checked out in the\n" +
			"repository root. A conflicting rebase is aborted and the branch left as it was.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app) error {
				out := cmd.OutOrStdout()
				var (
					outcomes []mergeOutcome
					errs     []error
				)
				for _, id := range args {
					o := mergeOutcome{AgentID: id}
					res, err := a.coord.Merge(cmd.Context(), id)
					if err != nil {
						var conflict *merge.ConflictError
						if errors.As(err, &conflict) {
							o.Conflicts = conflict.Files
						}
						o.Error = err.Error()
						errs = append(errs, err)
					} else {
						o.CommitSHA, o.AlreadyMerged = res.CommitSHA, res.AlreadyMerged
					}
					outcomes = append(outcomes, o)

					if opts.jsonOut {
						continue
					}
					switch {
					case err != nil:
						fmt.Fprintf(out, "%s: not merged: %v\n", id, err)
					case res.AlreadyMerged:
						fmt.Fprintf(out, "%s: already on %s\n", id, a.cfg.IntegrationBranch)
					default:
						fmt.Fprintf(out, "%s: merged into %s at %s\n", id, a.cfg.IntegrationBranch, shortSHA(res.CommitSHA))
					}
				}
				if opts.jsonOut {
					if err := printJSON(out, outcomes); err != nil {
						return err
					}
				}
				return errors.Join(errs...)
			})
		},
	}
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
