package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bbblb/bbblb/internal/cli/output"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/models"
	"github.com/bbblb/bbblb/pkg/override"
	"github.com/bbblb/bbblb/pkg/store"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
	Long:  `Create, inspect and remove the frontend tenants served by the balancer.`,
}

func init() {
	tenantCmd.AddCommand(tenantAddCmd)
	tenantCmd.AddCommand(tenantListCmd)
	tenantCmd.AddCommand(tenantShowCmd)
	tenantCmd.AddCommand(tenantEnableCmd)
	tenantCmd.AddCommand(tenantDisableCmd)
	tenantCmd.AddCommand(tenantSecretCmd)
	tenantCmd.AddCommand(tenantOverrideCmd)
	tenantCmd.AddCommand(tenantRemoveCmd)

	tenantAddCmd.Flags().StringVar(&tenantAddRealm, "realm", "", "Routing realm (default NAME.DOMAIN)")
	tenantAddCmd.Flags().StringVar(&tenantAddSecret, "secret", "", "Shared secret (default generated)")
	tenantAddCmd.Flags().BoolVarP(&tenantAddUpdate, "update", "U", false, "Update realm and secret if the tenant exists")

	tenantSecretCmd.Flags().BoolVar(&tenantSecretKeepOld, "keep-old", false, "Keep accepting the previous secrets for verification")

	tenantRemoveCmd.Flags().BoolVarP(&tenantRemoveForce, "force", "f", false, "Skip confirmation prompt")
	tenantRemoveCmd.Flags().BoolVar(&tenantRemoveMeetings, "delete-meetings", false, "Remove even with live meetings, ending them on their backends")

	tenantOverrideCmd.Flags().BoolVar(&tenantOverrideClear, "clear", false, "Drop all existing overrides first")
}

var (
	tenantAddRealm       string
	tenantAddSecret      string
	tenantAddUpdate      bool
	tenantSecretKeepOld  bool
	tenantRemoveForce    bool
	tenantRemoveMeetings bool
	tenantOverrideClear  bool
)

var tenantAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a tenant",
	Long: `Create a tenant. The realm defaults to NAME.DOMAIN and the secret to a
generated one; both are printed so they can be handed to the frontend.

With --update an existing tenant's realm and secret are replaced instead
of failing on the duplicate name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			name := args[0]

			existing, err := st.GetTenant(ctx, name)
			switch {
			case err == nil:
				if !tenantAddUpdate {
					return fmt.Errorf("tenant %q already exists, use --update to modify it", name)
				}
				if tenantAddRealm != "" {
					existing.Realm = tenantAddRealm
				}
				if tenantAddSecret != "" {
					existing.Secret = tenantAddSecret
				}
				if err := st.UpdateTenant(ctx, existing); err != nil {
					return err
				}
				fmt.Printf("UPDATED: tenant name=%s realm=%s secret=%s\n",
					existing.Name, existing.Realm, existing.SigningSecret())
				return nil
			case !errors.Is(err, models.ErrTenantNotFound):
				return err
			}

			tenant := &models.Tenant{
				Name:    name,
				Realm:   tenantAddRealm,
				Secret:  tenantAddSecret,
				Enabled: true,
			}
			if tenant.Realm == "" {
				tenant.Realm = name + "." + cfg.Domain
			}
			if tenant.Secret == "" {
				tenant.Secret = randomSecret()
			}
			if _, err := st.CreateTenant(ctx, tenant); err != nil {
				return err
			}
			fmt.Printf("CREATED: tenant name=%s realm=%s secret=%s\n",
				tenant.Name, tenant.Realm, tenant.SigningSecret())
			return nil
		})
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			tenants, err := st.ListTenants(ctx)
			if err != nil {
				return err
			}
			if len(tenants) == 0 {
				fmt.Println("No tenants.")
				return nil
			}

			table := output.NewTable("NAME", "REALM", "ENABLED", "OVERRIDES", "CREATED")
			for _, tenant := range tenants {
				rules, err := tenant.OverrideMap()
				if err != nil {
					return err
				}
				table.AddRow(
					tenant.Name,
					tenant.Realm,
					strconv.FormatBool(tenant.Enabled),
					strconv.Itoa(len(rules)),
					tenant.Created.Format("2006-01-02"),
				)
			}
			return table.Render(os.Stdout)
		})
	},
}

var tenantShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show one tenant including its secrets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			tenant, err := st.GetTenant(ctx, args[0])
			if err != nil {
				return err
			}
			meetings, err := st.CountTenantMeetings(ctx, tenant.ID)
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
			var ruleStrs []string
			for _, rule := range set.Rules() {
				ruleStrs = append(ruleStrs, rule.String())
			}

			pairs := [][2]string{
				{"Name", tenant.Name},
				{"Realm", tenant.Realm},
				{"Secrets", strings.Join(tenant.Secrets(), ", ")},
				{"Enabled", strconv.FormatBool(tenant.Enabled)},
				{"Overrides", strings.Join(ruleStrs, " ")},
				{"Live meetings", strconv.FormatInt(meetings, 10)},
				{"Created", tenant.Created.Format(time.RFC3339)},
				{"Modified", tenant.Modified.Format(time.RFC3339)},
			}

			// Rough usage picture from the poll samples of the last hour.
			samples, err := st.MeetingStatsSince(ctx, time.Now().UTC().Add(-time.Hour))
			if err != nil {
				return err
			}
			var count, users, voice, video int
			for _, sample := range samples {
				if sample.TenantID == nil || *sample.TenantID != tenant.ID {
					continue
				}
				count++
				users = max(users, sample.Users)
				voice = max(voice, sample.Voice)
				video = max(video, sample.Video)
			}
			if count > 0 {
				pairs = append(pairs, [2]string{
					"Usage (1h)",
					fmt.Sprintf("%d samples, peak %d users, %d voice, %d video", count, users, voice, video),
				})
			}

			return output.KeyValue(os.Stdout, pairs)
		})
	},
}

var tenantEnableCmd = &cobra.Command{
	Use:   "enable NAME",
	Short: "Enable a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTenantEnabled(cmd, args[0], true)
	},
}

var tenantDisableCmd = &cobra.Command{
	Use:   "disable NAME",
	Short: "Disable a tenant, rejecting its API requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTenantEnabled(cmd, args[0], false)
	},
}

func setTenantEnabled(cmd *cobra.Command, name string, enabled bool) error {
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
		if err := st.SetTenantEnabled(ctx, name, enabled); err != nil {
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Printf("Tenant %q %s\n", name, state)
		return nil
	})
}

var tenantSecretCmd = &cobra.Command{
	Use:   "secret NAME [SECRET]",
	Short: "Rotate a tenant secret",
	Long: `Replace the tenant's shared secret. Without SECRET a new one is generated.

With --keep-old the previous secrets stay accepted for checksum
verification until the frontend has switched over; the new secret always
signs. A later rotation without --keep-old drops the old ones.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			tenant, err := st.GetTenant(ctx, args[0])
			if err != nil {
				return err
			}

			secret := randomSecret()
			if len(args) == 2 {
				secret = args[1]
			}
			if tenantSecretKeepOld {
				tenant.Secret = strings.Join(append([]string{secret}, tenant.Secrets()...), "\n")
			} else {
				tenant.Secret = secret
			}
			if err := st.UpdateTenant(ctx, tenant); err != nil {
				return err
			}
			fmt.Printf("UPDATED: tenant name=%s secret=%s\n", tenant.Name, secret)
			return nil
		})
	},
}

var tenantOverrideCmd = &cobra.Command{
	Use:   "override NAME [RULE...]",
	Short: "Set create-parameter overrides for a tenant",
	Long: `Add override rules to a tenant, same as "override set". Rules look like
PARAM=VALUE (force), PARAM?VALUE (default), PARAM<VALUE (maximum) or
PARAM+VALUE (append). See "bbblb override --help" for details.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			if len(args) == 1 && !tenantOverrideClear {
				return errors.New("set at least one override rule or pass --clear")
			}
			return applyOverrides(ctx, st, args[0], args[1:], tenantOverrideClear)
		})
	},
}

var tenantRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a tenant",
	Long: `Remove a tenant and its meeting index. Recordings stay on disk and in the
database with their tenant link cleared.

A tenant with live meetings is disabled instead of removed; pass
--delete-meetings to drop the meeting index anyway. The meetings keep
running on their backends but the balancer no longer routes them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			name := args[0]

			var ok bool
			var err error
			if tenantRemoveMeetings {
				label := fmt.Sprintf("Remove tenant %q and drop all its live meetings", name)
				ok, err = confirmDangerOrAbort(tenantRemoveForce, label, name)
			} else {
				ok, err = confirmOrAbort(tenantRemoveForce, fmt.Sprintf("Remove tenant %q", name))
			}
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted.")
				return nil
			}

			err = st.RemoveTenant(ctx, name, tenantRemoveMeetings)
			if errors.Is(err, models.ErrTenantHasMeeting) {
				fmt.Printf("Tenant %q still has live meetings and was disabled instead.\n", name)
				fmt.Println("Re-run with --delete-meetings to remove it anyway.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Tenant %q removed\n", name)
			return nil
		})
	},
}
