package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/procurement-enricher/internal/credential"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Inspects the credentials seeded from configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lists configured credentials in priority order with masked secrets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tALIAS\tPROVIDER\tSECRET\tACTIVE")
			for i, c := range rt.cfg.Credentials {
				provider := c.Provider
				if provider == "" {
					provider = string(credential.ProviderGemini)
				}
				active := c.Active == nil || *c.Active
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", i, c.Alias, provider, credential.MaskSecret(c.Secret), active)
			}
			return w.Flush()
		},
	})
	return cmd
}
