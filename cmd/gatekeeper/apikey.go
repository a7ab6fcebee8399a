package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/gatekeeper/pkg/auth"
	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	apiKeyTitle       string
	apiKeyDescription string
	apiKeyOwner       string
	apiKeyPrivileges  []string
	apiKeyRoles       []string
	apiKeyExpiresIn   time.Duration
)

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key directly in storage",
	Long: `Create an API key without going through the HTTP API, for bootstrapping
automation before any admin user exists. The plaintext key is printed once
and cannot be recovered afterwards.`,
	RunE: runAPIKeyCreate,
}

func init() {
	apiKeyCreateCmd.Flags().StringVar(&apiKeyTitle, "title", "", "key title (required)")
	apiKeyCreateCmd.Flags().StringVar(&apiKeyDescription, "description", "", "key description")
	apiKeyCreateCmd.Flags().StringVar(&apiKeyOwner, "username", "cli", "username recorded as the key's creator")
	apiKeyCreateCmd.Flags().StringSliceVar(&apiKeyPrivileges, "privilege", nil,
		"privilege to grant (repeatable or comma separated)")
	apiKeyCreateCmd.Flags().StringSliceVar(&apiKeyRoles, "role", nil,
		"role id to assign (repeatable or comma separated)")
	apiKeyCreateCmd.Flags().DurationVar(&apiKeyExpiresIn, "expires-in", 0,
		"lifetime of the key, 0 for no expiry")

	_ = apiKeyCreateCmd.MarkFlagRequired("title")

	apiKeyCmd.AddCommand(apiKeyCreateCmd)
	rootCmd.AddCommand(apiKeyCmd)
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if apiKeyExpiresIn < 0 {
		return fmt.Errorf("--expires-in must not be negative")
	}

	grants := make(map[string]bool, len(apiKeyPrivileges))
	for _, p := range apiKeyPrivileges {
		grants[strings.TrimSpace(p)] = true
	}

	set, err := cfg.Auth.Registry().Parse(grants)
	if err != nil {
		return fmt.Errorf("parsing privileges: %w", err)
	}

	ctx := context.Background()

	st, err := storage.NewStorage(log, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}

	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting storage: %w", err)
	}

	defer func() { _ = st.Stop() }()

	store := credstore.NewStore(log, st)

	for _, id := range apiKeyRoles {
		if _, err := store.GetRole(ctx, id); err != nil {
			return fmt.Errorf("role %q: %w", id, err)
		}
	}

	plain, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	now := time.Now()

	var expires int64
	if apiKeyExpiresIn > 0 {
		expires = now.Add(apiKeyExpiresIn).Unix()
	}

	privs := make(map[string]bool, len(set))
	for p, v := range set {
		privs[string(p)] = v
	}

	roles := apiKeyRoles
	if roles == nil {
		roles = []string{}
	}

	key := &credstore.APIKey{
		ID:          credstore.NewID(),
		Title:       apiKeyTitle,
		Description: apiKeyDescription,
		Key:         auth.DigestAPIKey(plain),
		Mask:        auth.MaskAPIKey(plain),
		Active:      true,
		Expires:     expires,
		Privileges:  privs,
		Roles:       roles,
		Username:    apiKeyOwner,
		Created:     now.Unix(),
		Modified:    now.Unix(),
		Revision:    1,
	}

	if err := store.PutAPIKey(ctx, key); err != nil {
		return fmt.Errorf("storing key: %w", err)
	}

	fmt.Printf("id:      %s\n", key.ID)
	fmt.Printf("key:     %s\n", plain)
	fmt.Printf("mask:    %s\n", key.Mask)

	if expires == 0 {
		fmt.Println("expires: never")
	} else {
		fmt.Printf("expires: in %s (%s)\n",
			units.HumanDuration(apiKeyExpiresIn),
			time.Unix(expires, 0).UTC().Format(time.RFC3339))
	}

	fmt.Println("Store the key now; it cannot be shown again.")

	return nil
}
