package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/creastat/tutoring/gateway/supabase"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the Postgres schema used by the supabase gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprint(cmd.OutOrStdout(), supabase.Schema)
		return err
	},
}
