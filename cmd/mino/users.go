package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"mino-hq/mino/pkg/store"
)

var userFlags struct {
	tier      string
	username  string
	email     string
	expiresIn time.Duration
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage access tokens",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user with a fresh access token",
	Long: `Create a user and print the generated token. The token is used as the
bearer credential when calling the gateway.

ADMIN users bypass concurrency, cooldown, spike, and payload-limit gates
as well as provider allow-lists.`,
	RunE: runUserCreate,
}

func init() {
	userCreateCmd.Flags().StringVar(&userFlags.tier, "tier", "USER", "user tier (USER or ADMIN)")
	userCreateCmd.Flags().StringVar(&userFlags.username, "username", "", "username")
	userCreateCmd.Flags().StringVar(&userFlags.email, "email", "", "email")
	userCreateCmd.Flags().DurationVar(&userFlags.expiresIn, "expires-in", 0, "token lifetime (0 means no expiry)")

	userCmd.AddCommand(userCreateCmd)
	rootCmd.AddCommand(userCmd)
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	tier := store.UserTier(strings.ToUpper(userFlags.tier))
	if tier != store.TierUser && tier != store.TierAdmin {
		return fmt.Errorf("valid tiers: USER, ADMIN")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	u := store.User{
		Token:    uuid.NewString(),
		Tier:     tier,
		Username: userFlags.username,
		Email:    userFlags.email,
	}
	if userFlags.expiresIn > 0 {
		expires := time.Now().Add(userFlags.expiresIn)
		u.ExpiresAt = &expires
	}

	created, err := st.CreateUser(cmd.Context(), u)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("token: %s\n", created.Token)
	fmt.Printf("tier: %s\n", created.Tier)
	if created.Username != "" {
		fmt.Printf("username: %s\n", created.Username)
	}
	if created.Email != "" {
		fmt.Printf("email: %s\n", created.Email)
	}
	if created.ExpiresAt != nil {
		fmt.Printf("expires: %s\n", created.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
