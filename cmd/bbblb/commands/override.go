package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bbblb/bbblb/internal/cli/output"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/models"
	"github.com/bbblb/bbblb/pkg/override"
	"github.com/bbblb/bbblb/pkg/store"
)

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Manage create-parameter overrides",
	Long: `Override rules rewrite the parameters of BBB create calls per tenant:

  PARAM=VALUE   force the value; an empty value removes the parameter
  PARAM?VALUE   default when the frontend sends nothing
  PARAM<VALUE   cap a numeric value
  PARAM+VALUE   extend a comma-separated list

For example, record=false forces recording off and duration<120 caps
meetings at two hours, whatever the frontend asks for.`,
}

func init() {
	overrideCmd.AddCommand(overrideListCmd)
	overrideCmd.AddCommand(overrideSetCmd)
	overrideCmd.AddCommand(overrideUnsetCmd)

	overrideSetCmd.Flags().BoolVar(&overrideSetClear, "clear", false, "Drop all existing overrides first")
}

var overrideSetClear bool

var overrideListCmd = &cobra.Command{
	Use:   "list [TENANT]",
	Short: "List override rules, of one tenant or all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			var tenants []*models.Tenant
			if len(args) == 1 {
				tenant, err := st.GetTenant(ctx, args[0])
				if err != nil {
					return err
				}
				tenants = append(tenants, tenant)
			} else {
				var err error
				tenants, err = st.ListTenants(ctx)
				if err != nil {
					return err
				}
			}

			table := output.NewTable("TENANT", "RULE")
			for _, tenant := range tenants {
				rules, err := tenant.OverrideMap()
				if err != nil {
					return err
				}
				set, err := override.FromMap(rules)
				if err != nil {
					return err
				}
				for _, rule := range set.Rules() {
					table.AddRow(tenant.Name, rule.String())
				}
			}
			if table.Len() == 0 {
				fmt.Println("No overrides.")
				return nil
			}
			return table.Render(os.Stdout)
		})
	},
}

var overrideSetCmd = &cobra.Command{
	Use:   "set TENANT [RULE...]",
	Short: "Set override rules for a tenant",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			if len(args) == 1 && !overrideSetClear {
				return errors.New("set at least one override rule or pass --clear")
			}
			return applyOverrides(ctx, st, args[0], args[1:], overrideSetClear)
		})
	},
}

var overrideUnsetCmd = &cobra.Command{
	Use:   "unset TENANT PARAM...",
	Short: "Remove override rules from a tenant",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			tenant, err := st.GetTenant(ctx, args[0])
			if err != nil {
				return err
			}
			rules, err := tenant.OverrideMap()
			if err != nil {
				return err
			}
			set, err := override.FromMap(rules)
			if err != nil {
				return err
			}

			for _, param := range args[1:] {
				if !set.Remove(param) {
					fmt.Printf("No override for %q\n", param)
				}
			}
			if err := tenant.SetOverrideMap(set.Map()); err != nil {
				return err
			}
			if err := st.UpdateTenant(ctx, tenant); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		})
	},
}

// applyOverrides parses the rule arguments and merges them into the tenant's
// override set, shared between "override set" and "tenant override".
func applyOverrides(ctx context.Context, st *store.GORMStore, tenantName string, ruleArgs []string, clear bool) error {
	tenant, err := st.GetTenant(ctx, tenantName)
	if err != nil {
		return err
	}

	var set override.Set
	if !clear {
		existing, err := tenant.OverrideMap()
		if err != nil {
			return err
		}
		if set, err = override.FromMap(existing); err != nil {
			return err
		}
	}

	for _, raw := range ruleArgs {
		rule, err := override.Parse(raw)
		if err != nil {
			return err
		}
		set.Add(rule)
	}

	if err := tenant.SetOverrideMap(set.Map()); err != nil {
		return err
	}
	if err := st.UpdateTenant(ctx, tenant); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}
