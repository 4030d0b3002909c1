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

type deleteListOptions struct {
	list string
}

func newDeleteListCmd() *cobra.Command {
	opts := &deleteListOptions{}

	cmd := &cobra.Command{
		Use:          "delete-list",
		Short:        "Delete a list entirely",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return deleteList(c.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.list, "list", "", "list key to delete")
	cmd.MarkFlagRequired("list")

	return cmd
}

func deleteList(ctx context.Context, opts *deleteListOptions) error {
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

	reg := registry.New(client)
	scheduleQ := queue.New[string]()
	if err := daemon.Bootstrap(ctx, client, reg, ruleSet, scheduleQ, nil, false); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	uri, ok := reg.URI(opts.list)
	if !ok {
		return fmt.Errorf("unknown list %q", opts.list)
	}

	members, err := client.ListMembers(ctx, uri)
	if err != nil {
		return fmt.Errorf("list members of %q: %w", opts.list, err)
	}
	for _, m := range members {
		if _, err := reg.Remove(ctx, opts.list, m.Subject.DID); err != nil {
			return fmt.Errorf("remove member %s from %q: %w", m.Subject.DID, opts.list, err)
		}
	}

	rkey := atproto.RKeyFromURI(uri)
	if err := client.DeleteList(ctx, rkey); err != nil {
		return fmt.Errorf("delete list record %q: %w", opts.list, err)
	}

	fmt.Printf("deleted list %s\n", opts.list)
	return nil
}
