package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/klppl/modbot/internal/atproto"
	"github.com/klppl/modbot/internal/config"
	"github.com/klppl/modbot/internal/creds"
	"github.com/klppl/modbot/internal/daemon"
	"github.com/klppl/modbot/internal/queue"
	"github.com/klppl/modbot/internal/registry"
	"github.com/klppl/modbot/internal/rules"
)

type removeUserOptions struct {
	handle string
	list   string
}

func newRemoveUserCmd() *cobra.Command {
	opts := &removeUserOptions{}

	cmd := &cobra.Command{
		Use:          "remove-user",
		Short:        "Remove one account from a list",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return removeUser(c.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.handle, "user", "", "handle of the account to remove")
	flags.StringVar(&opts.list, "list", "", "list key to remove the account from")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("list")

	return cmd
}

func removeUser(ctx context.Context, opts *removeUserOptions) error {
	cfg := config.Load()
	if err := cfg.RequireCredentialsPath(); err != nil {
		return err
	}

	cred, err := creds.Load(cfg.CredentialsPath)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	ruleSet, err := rules.Load(cfg.ListConfigPath)
	if err != nil {
		return fmt.Errorf("load list config: %w", err)
	}

	client := atproto.NewClient(cfg.PDSHost, cred.ID, cred.Pass)
	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	client.PublicAPIHost = cfg.PublicAPIHost

	profile, err := client.GetProfile(ctx, opts.handle)
	if err != nil {
		return fmt.Errorf("resolve handle %q: %w", opts.handle, err)
	}

	reg := registry.New(client)
	scheduleQ := queue.New[string]()
	if err := daemon.Bootstrap(ctx, client, reg, ruleSet, scheduleQ, nil, false); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if _, ok := reg.URI(opts.list); !ok {
		return fmt.Errorf("unknown list %q", opts.list)
	}
	removed, err := reg.Remove(ctx, opts.list, profile.DID)
	if err != nil {
		return fmt.Errorf("remove %s from %s: %w", opts.handle, opts.list, err)
	}
	if !removed {
		return fmt.Errorf("%s is not a member of %s", opts.handle, opts.list)
	}

	fmt.Printf("removed %s from %s\n", opts.handle, opts.list)
	return nil
}
