package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/klppl/modbot/internal/atproto"
	"github.com/klppl/modbot/internal/cache"
	"github.com/klppl/modbot/internal/queue"
	"github.com/klppl/modbot/internal/registry"
	"github.com/klppl/modbot/internal/rules"
)

// bootstrapConcurrency bounds how many lists are find-or-created and
// populated at once, the same bounded-fan-out shape as the teacher's
// activity federation delivery.
const bootstrapConcurrency = 8

// listSpec is the uniform shape Bootstrap walks across every rule category
// (threshold lists and word lists alike share key/name/description).
type listSpec struct {
	key         string
	name        string
	description string
	exceptions  map[string]struct{}
}

// Bootstrap performs spec.md §4.J: in parallel across list keys, find or
// create each list remotely, load its membership and exceptions into the
// Registry, then seed the Schedule queue so every current member and (if
// requested) every cached DID gets re-evaluated.
func Bootstrap(ctx context.Context, client *atproto.Client, reg *registry.Registry, rs *rules.RuleSet, schedule *queue.Queue[string], cacheStore *cache.Store, rescanCache bool) error {
	specs := collectListSpecs(rs)

	remoteLists, err := client.ListMyLists(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: list remote lists: %w", err)
	}
	byName := make(map[string]atproto.ListView, len(remoteLists))
	for _, l := range remoteLists {
		byName[l.Name] = l
	}

	sem := make(chan struct{}, bootstrapConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, spec := range specs {
		sem <- struct{}{}
		wg.Add(1)
		go func(spec listSpec) {
			defer func() { <-sem; wg.Done() }()
			if err := bootstrapOne(ctx, client, reg, schedule, byName, spec); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(spec)
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("bootstrap: %d of %d lists failed, first error: %w", len(errs), len(specs), errs[0])
	}

	if rescanCache {
		seedFromCache(schedule, cacheStore)
	}

	slog.Info("bootstrap complete", "lists", len(specs), "rescan_cache", rescanCache)
	return nil
}

func bootstrapOne(ctx context.Context, client *atproto.Client, reg *registry.Registry, schedule *queue.Queue[string], byName map[string]atproto.ListView, spec listSpec) error {
	view, exists := byName[spec.name]
	uri := ""
	if exists {
		uri = view.URI
	} else {
		created, err := client.CreateList(ctx, spec.name, spec.description)
		if err != nil {
			return fmt.Errorf("find-or-create list %q: %w", spec.name, err)
		}
		uri = created
		slog.Info("bootstrap created remote list", "key", spec.key, "name", spec.name, "uri", uri)
	}

	remoteMembers, err := client.ListMembers(ctx, uri)
	if err != nil {
		return fmt.Errorf("load membership for list %q: %w", spec.name, err)
	}

	members := make([]registry.Member, 0, len(remoteMembers))
	for _, item := range remoteMembers {
		members = append(members, registry.Member{DID: item.Subject.DID, URI: item.URI})
	}

	reg.Register(spec.key, uri, spec.name, spec.exceptions, members)

	// Seed the Schedule queue with every current member so the next cycle
	// re-evaluates accounts that may no longer qualify (spec.md §4.J).
	for _, m := range members {
		schedule.Push(m.DID)
	}

	slog.Info("bootstrap list ready", "key", spec.key, "name", spec.name, "members", len(members))
	return nil
}

func seedFromCache(schedule *queue.Queue[string], cacheStore *cache.Store) {
	dids, err := cacheStore.ScanDIDs()
	if err != nil {
		slog.Error("bootstrap: cache rescan failed", "error", err)
		return
	}
	for _, did := range dids {
		schedule.Push(did)
	}
	slog.Info("bootstrap cache rescan seeded", "rows", len(dids))
}

func collectListSpecs(rs *rules.RuleSet) []listSpec {
	var specs []listSpec
	for _, tl := range rs.FollowCountLists {
		specs = append(specs, listSpec{key: tl.Key, name: tl.Name, description: tl.Description, exceptions: tl.Exceptions})
	}
	for _, tl := range rs.UnverifiedFollowCountLists {
		specs = append(specs, listSpec{key: tl.Key, name: tl.Name, description: tl.Description, exceptions: tl.Exceptions})
	}
	for _, tl := range rs.FollowerCountLists {
		specs = append(specs, listSpec{key: tl.Key, name: tl.Name, description: tl.Description, exceptions: tl.Exceptions})
	}
	for _, wl := range rs.WordLists {
		specs = append(specs, listSpec{key: wl.Key, name: wl.Name, description: wl.Description, exceptions: wl.Exceptions})
	}
	return specs
}
