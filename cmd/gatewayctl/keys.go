package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

func newKeysCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Create, list, disable and enable API keys",
	}

	var (
		nc     store.NewCaller
		role   string
		models string
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			if strings.TrimSpace(nc.Name) == "" {
				return fmt.Errorf("--name is required")
			}
			nc.Role = r
			if models != "" {
				nc.AllowedModels = strings.Split(models, ",")
			}

			_, db, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			c, key, err := db.CreateCaller(cmd.Context(), nc)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:     %d\n", c.ID)
			fmt.Fprintf(out, "name:   %s\n", c.Name)
			fmt.Fprintf(out, "role:   %s\n", c.Role)
			fmt.Fprintf(out, "key:    %s\n", key)
			fmt.Fprintln(out, "Store the key now; it cannot be shown again.")
			return nil
		},
	}
	createCmd.Flags().StringVar(&nc.Name, "name", "", "caller name")
	createCmd.Flags().StringVar(&role, "role", string(auth.RoleStandard), "admin, standard or free")
	createCmd.Flags().Int64Var(&nc.QuotaLimit, "quota", 0, "units per window; 0 is unlimited")
	createCmd.Flags().IntVar(&nc.MaxConcurrent, "max-concurrent", 0, "concurrent requests; 0 uses the server default")
	createCmd.Flags().IntVar(&nc.RPM, "rpm", 0, "requests per minute; 0 uses the server default")
	createCmd.Flags().StringVar(&models, "models", "", "comma separated allowed model ids; empty allows all")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List callers",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			callers, err := db.ListCallers(cmd.Context())
			if err != nil {
				return err
			}
			if len(callers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No callers found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKEY\tROLE\tACTIVE\tQUOTA\tUSED\tMODELS")
			for _, c := range callers {
				quota := "unlimited"
				if c.QuotaLimit > 0 {
					quota = fmt.Sprintf("%d", c.QuotaLimit)
				}
				models := "*"
				if len(c.AllowedModels) > 0 {
					models = strings.Join(c.AllowedModels, ",")
				}
				fmt.Fprintf(w, "%d\t%s\t%s…\t%s\t%t\t%s\t%d\t%s\n",
					c.ID, c.Name, c.KeyPrefix, c.Role, c.Active, quota, c.QuotaUsed, models)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(createCmd, listCmd,
		newSetActiveCmd(g, "disable", "Disable a caller by id, key prefix or name", false),
		newSetActiveCmd(g, "enable", "Re-enable a disabled caller", true),
	)
	return cmd
}

func newSetActiveCmd(g *globalFlags, use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <caller>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			c, err := db.SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d) active=%t\n", c.Name, c.ID, c.Active)
			return nil
		},
	}
}
