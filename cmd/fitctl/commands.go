package main

import (
	"fmt"
	"strings"

	"github.com/ashureev/fitcoach/internal/bootstrap"
	"github.com/ashureev/fitcoach/internal/chat"
	"github.com/ashureev/fitcoach/internal/healthcheck"
	"github.com/ashureev/fitcoach/internal/profile"
	"github.com/ashureev/fitcoach/internal/store"
	"github.com/spf13/cobra"
)

var (
	keyPrefix  string
	healthAddr string
)

// resolveCmd runs the root resolution for a device.
var resolveCmd = &cobra.Command{
	Use:   "resolve <device-id>",
	Short: "Show where a device would land on launch",
	Long: `Run the same session, preference and profile resolution the server runs
for GET /api/bootstrap and print every step.

This may refresh an expiring session and clear a stale stay-logged-in flag,
exactly as a real launch would.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Inspect onboarding chats",
}

var chatShowCmd = &cobra.Command{
	Use:   "show <device-id> <user-id>",
	Short: "Print the persisted chat of a user on a device",
	Args:  cobra.ExactArgs(2),
	RunE:  runChatShow,
}

var chatResetCmd = &cobra.Command{
	Use:   "reset <device-id> <user-id>",
	Short: "Clear the persisted chat, keeping the questionnaire",
	Args:  cobra.ExactArgs(2),
	RunE:  runChatReset,
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage accounts",
}

var userConfirmCmd = &cobra.Command{
	Use:   "confirm <email>",
	Short: "Mark an account's email as confirmed",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserConfirm,
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Inspect device storage",
}

var deviceKeysCmd = &cobra.Command{
	Use:   "keys <device-id>",
	Short: "List the storage keys of a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceKeys,
}

// healthCmd queries a running server over gRPC.
var healthCmd = &cobra.Command{
	Use:   "health [service...]",
	Short: "Query the gRPC health service of a running server",
	Long: `Query the standard gRPC health service. Without arguments the overall
status and the database and llm services are shown.`,
	RunE: runHealth,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	chatCmd.AddCommand(chatShowCmd, chatResetCmd)
	userCmd.AddCommand(userConfirmCmd)
	deviceCmd.AddCommand(deviceKeysCmd)

	deviceKeysCmd.Flags().StringVar(&keyPrefix, "prefix", "", "Only list keys with this prefix")
	healthCmd.Flags().StringVar(&healthAddr, "addr", "localhost:9090", "gRPC health address")
}

func runResolve(cmd *cobra.Command, args []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer closeRepo(repo)

	authSvc, cfg, err := authService(repo)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	b := bootstrap.New(authSvc, repo, profile.NewFetcher(repo, cfg.Timeout.Database), cfg.Auth.RefreshWindow)
	res, err := b.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runChatShow(cmd *cobra.Command, args []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer closeRepo(repo)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	kv := store.Device(repo, args[0])
	state, err := chat.LoadState(ctx, kv, args[1])
	if err != nil {
		return err
	}
	q, err := chat.LoadQuestionnaire(ctx, kv, args[1])
	if err != nil {
		return err
	}
	completed, err := chat.Completed(ctx, kv, args[1])
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), map[string]any{
		"state":         state,
		"questionnaire": q,
		"completed":     completed,
	})
}

func runChatReset(cmd *cobra.Command, args []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer closeRepo(repo)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := chat.ClearConversation(ctx, store.Device(repo, args[0]), args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "chat of %s on %s cleared\n", args[1], args[0])
	return nil
}

func runUserConfirm(cmd *cobra.Command, args []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer closeRepo(repo)

	authSvc, _, err := authService(repo)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	email := strings.ToLower(strings.TrimSpace(args[0]))
	if err := authSvc.ConfirmEmail(ctx, email); err != nil {
		return fmt.Errorf("confirm %s: %w", email, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s confirmed\n", email)
	return nil
}

func runDeviceKeys(cmd *cobra.Command, args []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer closeRepo(repo)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	keys, err := repo.ListDeviceKeys(ctx, args[0], keyPrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	client, err := healthcheck.Dial(ctx, healthcheck.DefaultClientConfig(healthAddr))
	if err != nil {
		return err
	}
	defer client.Close()

	services := args
	if len(services) == 0 {
		services = []string{"", "database", "llm"}
	}

	unhealthy := 0
	for _, svc := range services {
		name := svc
		if name == "" {
			name = "(overall)"
		}
		status, err := client.Check(ctx, svc)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s error: %v\n", name, err)
			unhealthy++
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", name, status)
		if status.String() != "SERVING" {
			unhealthy++
		}
	}
	if unhealthy > 0 {
		return fmt.Errorf("%d service(s) not serving", unhealthy)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer closeRepo(repo)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := repo.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema ready at %s\n", dbPath)
	return nil
}
