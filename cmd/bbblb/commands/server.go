package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bbblb/bbblb/internal/cli/output"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/models"
	"github.com/bbblb/bbblb/pkg/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage backend servers",
	Long: `Manage the BBB backend fleet. New servers start OFFLINE and have to pass
health checks before the balancer places meetings on them.`,
}

func init() {
	serverCmd.AddCommand(serverAddCmd)
	serverCmd.AddCommand(serverListCmd)
	serverCmd.AddCommand(serverEnableCmd)
	serverCmd.AddCommand(serverDisableCmd)
	serverCmd.AddCommand(serverSecretCmd)
	serverCmd.AddCommand(serverRemoveCmd)

	serverAddCmd.Flags().StringVar(&serverAddSecret, "secret", "", "Shared secret of the backend (required)")
	serverAddCmd.Flags().StringVar(&serverAddLabel, "label", "", "Free-form label, e.g. the datacenter")
	serverAddCmd.Flags().BoolVar(&serverAddDisabled, "disabled", false, "Register without enabling")
	_ = serverAddCmd.MarkFlagRequired("secret")

	serverRemoveCmd.Flags().BoolVarP(&serverRemoveForce, "force", "f", false, "Skip confirmation prompt")
	serverRemoveCmd.Flags().BoolVar(&serverRemoveMeetings, "delete-meetings", false, "Remove even with live meetings, dropping them from the index")
}

var (
	serverAddSecret      string
	serverAddLabel       string
	serverAddDisabled    bool
	serverRemoveForce    bool
	serverRemoveMeetings bool
)

var serverAddCmd = &cobra.Command{
	Use:   "add DOMAIN",
	Short: "Register a backend server",
	Long: `Register a BBB backend by its domain. The secret is the backend's own API
secret (bbb-conf --secret), used to sign the requests the balancer
forwards to it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			server := &models.Server{
				Domain:  args[0],
				Secret:  serverAddSecret,
				Enabled: !serverAddDisabled,
				Label:   serverAddLabel,
			}
			if _, err := st.CreateServer(ctx, server); err != nil {
				return err
			}
			fmt.Printf("CREATED: server domain=%s enabled=%t\n", server.Domain, server.Enabled)
			fmt.Println("The server stays OFFLINE until it passes its first health checks.")
			return nil
		})
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backend servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			servers, err := st.ListServers(ctx)
			if err != nil {
				return err
			}
			if len(servers) == 0 {
				fmt.Println("No servers.")
				return nil
			}

			table := output.NewTable("DOMAIN", "HEALTH", "ENABLED", "LOAD", "MEETINGS", "LABEL")
			for _, server := range servers {
				meetings, err := st.ListServerMeetings(ctx, server.ID)
				if err != nil {
					return err
				}
				table.AddRow(
					server.Domain,
					string(server.Health),
					strconv.FormatBool(server.Enabled),
					strconv.FormatFloat(server.Load, 'f', 1, 64),
					strconv.Itoa(len(meetings)),
					server.Label,
				)
			}
			return table.Render(os.Stdout)
		})
	},
}

var serverEnableCmd = &cobra.Command{
	Use:   "enable DOMAIN",
	Short: "Enable a backend server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setServerEnabled(cmd, args[0], true)
	},
}

var serverDisableCmd = &cobra.Command{
	Use:   "disable DOMAIN",
	Short: "Disable a backend server",
	Long: `Disable a backend. Existing meetings keep running and stay routed; the
server just receives no new ones. Use this to drain a backend before
maintenance.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setServerEnabled(cmd, args[0], false)
	},
}

func setServerEnabled(cmd *cobra.Command, domain string, enabled bool) error {
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
		if err := st.SetServerEnabled(ctx, domain, enabled); err != nil {
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Printf("Server %q %s\n", domain, state)
		return nil
	})
}

var serverSecretCmd = &cobra.Command{
	Use:   "secret DOMAIN SECRET",
	Short: "Update the shared secret of a backend",
	Long: `Update the stored secret after the backend rotated its own, so signed
requests keep verifying. Until this matches the backend, polls fail and
the server degrades to OFFLINE.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			if err := st.UpdateServerSecret(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("UPDATED: server domain=%s\n", args[0])
			return nil
		})
	},
}

var serverRemoveCmd = &cobra.Command{
	Use:   "remove DOMAIN",
	Short: "Remove a backend server",
	Long: `Remove a backend from the pool. A server hosting live meetings is disabled
instead; pass --delete-meetings to drop those meetings from the index and
remove it anyway.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			domain := args[0]

			var ok bool
			var err error
			if serverRemoveMeetings {
				label := fmt.Sprintf("Remove server %q and drop all its live meetings", domain)
				ok, err = confirmDangerOrAbort(serverRemoveForce, label, domain)
			} else {
				ok, err = confirmOrAbort(serverRemoveForce, fmt.Sprintf("Remove server %q", domain))
			}
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted.")
				return nil
			}

			err = st.RemoveServer(ctx, domain, serverRemoveMeetings)
			if errors.Is(err, models.ErrServerHasMeeting) {
				fmt.Printf("Server %q still hosts live meetings and was disabled instead.\n", domain)
				fmt.Println("Re-run with --delete-meetings to remove it anyway.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Server %q removed\n", domain)
			return nil
		})
	},
}
