package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/store"
)

var (
	tokenMaxAge time.Duration
	tokenServer string
)

var tokenCmd = &cobra.Command{
	Use:   "token SUBJECT [SCOPE...]",
	Short: "Mint a bearer token for the upload API",
	Long: `Mint a signed bearer token for the private recording upload API. SUBJECT
names the caller and shows up in the logs; scopes default to rec:upload.

By default the token is signed with the global secret. With --server it is
signed with that backend's shared secret and carries the server domain as
key ID, the same kind of token the post_publish script on a backend uses.

The token is written to stdout so it can be captured directly:

  TOKEN=$(bbblb token backup-script rec)`,
	Args: cobra.MinimumNArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenMaxAge, "max-age", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().StringVar(&tokenServer, "server", "", "Sign with this backend server's secret")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupCLILogging(cfg)

	subject := args[0]
	scopes := args[1:]
	if len(scopes) == 0 {
		scopes = []string{"rec:upload"}
	}

	secret := cfg.Secret
	kid := ""
	if tokenServer != "" {
		secret, kid, err = serverSigningKey(cmd.Context(), cfg, tokenServer)
		if err != nil {
			return err
		}
	}

	signed, claims, err := mintToken(secret, kid, subject, scopes, tokenMaxAge)
	if err != nil {
		return err
	}

	// Claims go to stderr so stdout stays clean for capture.
	fmt.Fprintf(cmd.ErrOrStderr(), "subject=%s scope=%q expires=%s\n",
		subject, claims["scope"], time.Unix(claims["exp"].(int64), 0).UTC().Format(time.RFC3339))
	fmt.Fprintln(cmd.OutOrStdout(), signed)
	return nil
}

// serverSigningKey looks up the shared secret of a backend server.
func serverSigningKey(ctx context.Context, cfg *config.Config, domain string) (secret, kid string, err error) {
	dbCfg, err := store.ParseURI(cfg.DBURI)
	if err != nil {
		return "", "", err
	}
	st, err := store.New(dbCfg)
	if err != nil {
		return "", "", err
	}
	defer st.Close()

	server, err := st.GetServer(ctx, domain)
	if err != nil {
		return "", "", err
	}
	return server.Secret, server.Domain, nil
}

// mintToken builds and signs an upload token. The claims carry the subject,
// the space-joined scopes, the expiry and a random token ID.
func mintToken(secret, kid, subject string, scopes []string, maxAge time.Duration) (string, jwt.MapClaims, error) {
	claims := jwt.MapClaims{
		"sub":   subject,
		"exp":   time.Now().Add(maxAge).Unix(),
		"scope": strings.Join(scopes, " "),
		"jti":   randomHex(8),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}
