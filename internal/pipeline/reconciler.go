package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/klppl/modbot/internal/atproto"
	"github.com/klppl/modbot/internal/cache"
	"github.com/klppl/modbot/internal/queue"
	"github.com/klppl/modbot/internal/registry"
	"github.com/klppl/modbot/internal/retry"
	"github.com/klppl/modbot/internal/rules"
	"github.com/klppl/modbot/internal/wordlist"
)

// ReconcileMetrics receives reconcile add/remove counts. *daemon.Metrics
// satisfies this without pipeline importing daemon.
type ReconcileMetrics interface {
	IncAdd()
	IncRemove()
}

// Reconciler runs num_reconcilers workers that classify each profile coming
// off the Listadd queue against the configured rule set and mediate every
// add/remove through the List Registry (spec.md §4.H).
type Reconciler struct {
	Registry *registry.Registry
	Rules    *rules.RuleSet
	Metrics  ReconcileMetrics

	Listadd *queue.Queue[cache.Profile]

	pool *Pool
}

// Run starts n worker goroutines. The pool is retained so the Supervisor
// can scan and respawn dead slots (spec.md §4.I).
func (r *Reconciler) Run(ctx context.Context, n int) {
	r.pool = NewPool("reconciler", n, r.worker)
	r.pool.Run(ctx)
}

// Pool exposes the worker pool to the Supervisor.
func (r *Reconciler) Pool() *Pool {
	return r.pool
}

func (r *Reconciler) worker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		p, ok := r.Listadd.Pop()
		if !ok {
			return
		}
		r.reconcile(ctx, p)
	}
}

// reconcile runs the four classification passes in the order spec.md §4.H
// mandates. Each pass's failures are isolated: a client error other than
// token expiry is logged and reconciliation continues with the next rule
// (partial classification is acceptable — the DID will be re-observed).
func (r *Reconciler) reconcile(ctx context.Context, p cache.Profile) {
	for _, tl := range r.Rules.FollowCountLists {
		r.applyThreshold(ctx, tl, p, p.FollowsCount)
	}

	isDefaultDomain := strings.HasSuffix(p.Handle, r.Rules.DefaultDomainSuffix)
	for _, tl := range r.Rules.UnverifiedFollowCountLists {
		if !isDefaultDomain {
			continue
		}
		r.applyThreshold(ctx, tl, p, p.FollowsCount)
	}

	for _, tl := range r.Rules.FollowerCountLists {
		if p.FollowersCount >= tl.Threshold {
			slog.Info("reconciler: follower-count threshold met",
				"did", p.DID, "list", tl.Key,
				"followers_count", p.FollowersCount, "followers_limit", tl.Threshold)
		}
		r.applyThreshold(ctx, tl, p, p.FollowersCount)
	}

	for _, wl := range r.Rules.WordLists {
		r.applyWordList(ctx, wl, p)
	}
}

// applyThreshold implements spec.md §4.H passes 1-3: exceptions dominate,
// otherwise ensure presence iff count ≥ threshold.
func (r *Reconciler) applyThreshold(ctx context.Context, tl rules.CompiledThresholdList, p cache.Profile, count int) {
	if _, excepted := tl.Exceptions[p.DID]; excepted {
		r.ensureRemoved(ctx, tl.Key, p.DID)
		return
	}
	if count >= tl.Threshold {
		r.ensurePresent(ctx, tl.Key, p.DID)
	} else {
		r.ensureRemoved(ctx, tl.Key, p.DID)
	}
}

// applyWordList implements spec.md §4.H pass 4.
func (r *Reconciler) applyWordList(ctx context.Context, wl rules.CompiledWordList, p cache.Profile) {
	if _, excepted := wl.Exceptions[p.DID]; excepted {
		r.ensureRemoved(ctx, wl.Key, p.DID)
		return
	}
	if !p.HasDescription {
		r.ensureRemoved(ctx, wl.Key, p.DID)
		return
	}
	wp := wordlist.Profile{
		Handle:         p.Handle,
		DisplayName:    p.DisplayName,
		Description:    p.Description,
		HasDescription: p.HasDescription,
	}
	if wl.Matcher.Match(wp) {
		r.ensurePresent(ctx, wl.Key, p.DID)
	} else {
		r.ensureRemoved(ctx, wl.Key, p.DID)
	}
}

func (r *Reconciler) ensurePresent(ctx context.Context, listKey, did string) {
	var added bool
	err := retry.Do(ctx, 5, atproto.Classify, func() error {
		var err error
		added, err = r.Registry.Add(ctx, listKey, did)
		return err
	})
	if err != nil {
		r.logReconcileError("add", listKey, did, err)
		return
	}
	if added && r.Metrics != nil {
		r.Metrics.IncAdd()
	}
}

func (r *Reconciler) ensureRemoved(ctx context.Context, listKey, did string) {
	var removed bool
	err := retry.Do(ctx, 5, atproto.Classify, func() error {
		var err error
		removed, err = r.Registry.Remove(ctx, listKey, did)
		return err
	})
	if err != nil {
		r.logReconcileError("remove", listKey, did, err)
		return
	}
	if removed && r.Metrics != nil {
		r.Metrics.IncRemove()
	}
}

func (r *Reconciler) logReconcileError(op, listKey, did string, err error) {
	if atproto.IsAuthExpired(err) {
		slog.Error("reconciler: auth re-retry exhausted", "op", op, "list", listKey, "did", did, "error", err)
		return
	}
	slog.Warn("reconciler: client error, continuing to next rule", "op", op, "list", listKey, "did", did, "error", err)
}
