package cmd

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/jdziat/sniper/pkg/admission"
	"github.com/jdziat/sniper/pkg/ledger"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Print the admission decision for one more action",
	Long: `Evaluate whether a user may perform one more action of --kind right now,
without performing it. Prints the decision as JSON.

Examples:
  sniper preflight --workspace ws-1 --user u-1
  sniper preflight --workspace ws-1 --user u-1 --kind message`,
	Args: cobra.NoArgs,
	RunE: runPreflight,
}

var (
	preflightWorkspace string
	preflightUser      string
	preflightKind      string
)

func init() {
	rootCmd.AddCommand(preflightCmd)
	preflightCmd.Flags().StringVar(&preflightWorkspace, "workspace", "", "workspace id")
	preflightCmd.Flags().StringVar(&preflightUser, "user", "", "user id")
	preflightCmd.Flags().StringVar(&preflightKind, "kind", string(ledger.KindConnect), "action kind (connect|message|profile_visit|job_page)")
	_ = preflightCmd.MarkFlagRequired("workspace")
	_ = preflightCmd.MarkFlagRequired("user")
}

func runPreflight(cmd *cobra.Command, _ []string) error {
	kind, ok := ledger.ParseKind(preflightKind)
	if !ok {
		return errors.Newf("unknown kind %q", preflightKind)
	}
	a, err := newApp(cmd.Context(), cfg, logger, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	d, err := a.Admission.CanAttempt(cmd.Context(), admission.Request{
		WorkspaceID: preflightWorkspace,
		UserID:      preflightUser,
		Kind:        kind,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}
