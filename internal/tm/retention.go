package tm

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// BucketOrder selects which buckets a retention pass consumes first.
type BucketOrder string

const (
	// BucketOrderOldest walks bucket keys in ascending order, so the oldest
	// N buckets are kept.
	BucketOrderOldest BucketOrder = "oldest"
	// BucketOrderNewest walks bucket keys in descending order.
	BucketOrderNewest BucketOrder = "newest"
)

// RetentionPolicy configures snapshot pruning. KeepYearly is carried in
// configuration; the pruning pass uses the daily, weekly and monthly counts.
type RetentionPolicy struct {
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
	AutoDelete  bool
	BucketOrder BucketOrder
}

// DefaultRetentionPolicy returns the default policy.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		KeepDaily:   7,
		KeepWeekly:  4,
		KeepMonthly: 12,
		KeepYearly:  5,
		AutoDelete:  true,
		BucketOrder: BucketOrderOldest,
	}
}

// Validate checks counts and bucket order.
func (p RetentionPolicy) Validate() error {
	if p.KeepDaily < 0 || p.KeepWeekly < 0 || p.KeepMonthly < 0 || p.KeepYearly < 0 {
		return validationError("retention policy", "", fmt.Errorf("keep counts must not be negative"))
	}
	switch p.BucketOrder {
	case "", BucketOrderOldest, BucketOrderNewest:
		return nil
	default:
		return validationError("retention policy", "", fmt.Errorf("unknown bucket order %q", p.BucketOrder))
	}
}

// PruneResult reports the outcome of a prune pass.
type PruneResult struct {
	Deleted  int
	Retained int

	DeletedIDs  []string
	RetainedIDs []string

	// DryRun is set when the policy disabled deletion; DeletedIDs then lists
	// what would have been deleted.
	DryRun bool
}

func dayKey(t time.Time) string   { return t.Format("2006-01-02") }
func monthKey(t time.Time) string { return t.Format("2006-01") }

func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-%02d", year, week)
}

// keepBuckets groups snapshots by key and keeps the newest member of the
// first n buckets in the given order.
func keepBuckets(snaps []Snapshot, key func(time.Time) string, n int, order BucketOrder) map[string]bool {
	keep := make(map[string]bool)
	if n <= 0 {
		return keep
	}

	newest := make(map[string]Snapshot)
	for _, s := range snaps {
		k := key(s.Time)
		if cur, ok := newest[k]; !ok || s.Time.After(cur.Time) {
			newest[k] = s
		}
	}

	keys := make([]string, 0, len(newest))
	for k := range newest {
		keys = append(keys, k)
	}
	if order == BucketOrderNewest {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	} else {
		sort.Strings(keys)
	}

	for i, k := range keys {
		if i >= n {
			break
		}
		keep[newest[k].ID] = true
	}
	return keep
}

// Pruner deletes complete snapshots that fall outside a retention policy.
// Incomplete and unparsable directories are never touched.
type Pruner struct {
	fsys   FileSystem
	db     Database
	logger Logger
}

func NewPruner(fsys FileSystem, db Database, logger Logger) *Pruner {
	return &Pruner{fsys: fsys, db: db, logger: logger}
}

// Plan returns the complete snapshots to keep and to delete under policy.
// Both lists are oldest first.
func (p *Pruner) Plan(destination string, policy RetentionPolicy) (keep, remove []Snapshot, err error) {
	if err := policy.Validate(); err != nil {
		return nil, nil, err
	}
	c, err := readCatalog(p.fsys, destination)
	if err != nil {
		return nil, nil, ioError("reading catalog", destination, err)
	}
	for _, name := range c.unparsable {
		p.logger.Warn("ignoring unparsable snapshot directory", "name", name)
	}
	for _, name := range c.incomplete {
		p.logger.Info("leaving incomplete snapshot", "snapshot", name)
	}

	keepSet := make(map[string]bool)
	for id := range keepBuckets(c.complete, dayKey, policy.KeepDaily, policy.BucketOrder) {
		keepSet[id] = true
	}
	for id := range keepBuckets(c.complete, weekKey, policy.KeepWeekly, policy.BucketOrder) {
		keepSet[id] = true
	}
	for id := range keepBuckets(c.complete, monthKey, policy.KeepMonthly, policy.BucketOrder) {
		keepSet[id] = true
	}

	for _, s := range c.complete {
		if keepSet[s.ID] {
			keep = append(keep, s)
		} else {
			remove = append(remove, s)
		}
	}
	return keep, remove, nil
}

// Prune deletes every complete snapshot outside the policy along with its
// sessions in the metadata store. It stops at the first error and returns the
// counts accumulated so far.
func (p *Pruner) Prune(ctx context.Context, destination string, policy RetentionPolicy) (PruneResult, error) {
	keep, remove, err := p.Plan(destination, policy)
	if err != nil {
		return PruneResult{}, err
	}

	res := PruneResult{Retained: len(keep)}
	for _, s := range keep {
		res.RetainedIDs = append(res.RetainedIDs, s.ID)
	}

	if !policy.AutoDelete {
		res.DryRun = true
		for _, s := range remove {
			res.DeletedIDs = append(res.DeletedIDs, s.ID)
		}
		p.logger.Info("auto delete disabled, not pruning", "candidates", len(remove))
		return res, nil
	}

	for _, s := range remove {
		if err := ctx.Err(); err != nil {
			return res, cancelledError("prune", err)
		}
		if err := p.fsys.RemoveAll(s.Path); err != nil {
			return res, ioError("deleting snapshot", s.Path, err)
		}
		if err := p.forgetSessions(destination, s.ID); err != nil {
			return res, err
		}
		res.Deleted++
		res.DeletedIDs = append(res.DeletedIDs, s.ID)
		p.logger.Info("snapshot pruned", "snapshot", s.ID)
	}

	p.logger.Info("prune finished", "deleted", res.Deleted, "retained", res.Retained)
	return res, nil
}

func (p *Pruner) forgetSessions(destination, snapshotID string) error {
	if p.db == nil {
		return nil
	}
	sessions, err := p.db.FindSessionsBySnapshot(destination, snapshotID)
	if err != nil {
		return ioError("finding sessions", snapshotID, err)
	}
	for _, s := range sessions {
		if _, err := p.db.DeleteSession(s.ID); err != nil {
			return ioError("deleting session", s.ID, err)
		}
	}
	return nil
}
