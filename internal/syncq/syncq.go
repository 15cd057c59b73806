// Package syncq replicates unsynced rows from the primary store to the remote
// replica. Replication is a one-way push: the primary always wins, nothing is
// ever pulled back and nothing is ever deleted on the replica.
package syncq

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/lease"
	"cafepos/internal/store"
)

const leaseKey = "sync-push"

// Columns of a reference whose target table is named per row.
const (
	colReferenceType = "reference_type"
	colReferenceID   = "reference_id"
)

// Replica is the write side of the remote store. It has no delete.
type Replica interface {
	Ping(ctx context.Context) error
	Upsert(ctx context.Context, table string, docs []store.Document) error
	Close() error
}

type Config struct {
	Interval       time.Duration
	BatchSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	LeaseTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	return c
}

type Driver struct {
	primary store.Backend
	replica Replica
	lease   lease.Lease
	cfg     Config
	log     *zap.Logger
	newID   func() ident.RemoteID
}

type Option func(*Driver)

func WithLogger(log *zap.Logger) Option {
	return func(d *Driver) { d.log = log }
}

func WithLease(l lease.Lease) Option {
	return func(d *Driver) { d.lease = l }
}

func WithIDGenerator(newID func() ident.RemoteID) Option {
	return func(d *Driver) { d.newID = newID }
}

func New(primary store.Backend, replica Replica, cfg Config, opts ...Option) *Driver {
	d := &Driver{
		primary: primary,
		replica: replica,
		lease:   lease.Noop{},
		cfg:     cfg.withDefaults(),
		log:     zap.NewNop(),
		newID:   ident.NewRemote,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Report summarizes one push cycle.
type Report struct {
	Pushed    map[string]int
	Conflicts map[string]int
	// Skipped is set when another terminal holds the push lease.
	Skipped bool
}

func (r Report) TotalPushed() int {
	n := 0
	for _, v := range r.Pushed {
		n += v
	}
	return n
}

// Run pushes on every interval until ctx ends. Cycles run only while the
// replica answers; offline and failed cycles are retried with exponential
// backoff and no retry limit.
func (d *Driver) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff
	bo.MaxInterval = d.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if err := d.replica.Ping(ctx); err != nil {
			wait := bo.NextBackOff()
			d.log.Debug("replica unreachable, skipping sync cycle", zap.Error(err), zap.Duration("retry_in", wait))
			timer.Reset(wait)
			continue
		}

		report, err := d.PushOnce(ctx)
		switch {
		case err == nil:
			bo.Reset()
			if n := report.TotalPushed(); n > 0 {
				d.log.Info("sync cycle pushed rows", zap.Int("rows", n), zap.Any("tables", report.Pushed))
			}
			timer.Reset(d.cfg.Interval)
		case errors.Is(err, context.Canceled):
			return nil
		default:
			wait := bo.NextBackOff()
			d.log.Warn("sync cycle failed", zap.Error(err), zap.Bool("transient", store.IsTransient(err)), zap.Duration("retry_in", wait))
			timer.Reset(wait)
		}
	}
}

// PushOnce runs one cycle over every syncable table, parents first. A
// transient failure stops the cycle; rows not yet marked stay unsynced and
// are picked up by the next one.
func (d *Driver) PushOnce(ctx context.Context) (Report, error) {
	report := Report{Pushed: map[string]int{}, Conflicts: map[string]int{}}

	token, ok, err := d.lease.Acquire(ctx, leaseKey, d.cfg.LeaseTTL)
	if err != nil {
		return report, store.Transient("lease", "", err)
	}
	if !ok {
		report.Skipped = true
		return report, nil
	}
	defer func() {
		if err := d.lease.Release(context.WithoutCancel(ctx), leaseKey, token); err != nil {
			d.log.Warn("release sync lease", zap.Error(err))
		}
	}()

	for _, def := range store.SyncableTables() {
		pushed, conflicts, err := d.pushTable(ctx, def)
		if pushed > 0 {
			report.Pushed[def.Name] = pushed
		}
		if conflicts > 0 {
			report.Conflicts[def.Name] = conflicts
		}
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// Status counts unsynced rows per table.
func (d *Driver) Status(ctx context.Context) (domain.SyncStatus, error) {
	var status domain.SyncStatus
	for _, def := range store.SyncableTables() {
		n, err := store.Count(ctx, d.primary, def.Name, store.Eq(store.ColSynced, false))
		if err != nil {
			return domain.SyncStatus{}, err
		}
		status.Tables = append(status.Tables, domain.SyncTableStatus{Table: def.Name, Pending: n})
		status.TotalPending += n
	}
	return status, nil
}

func (d *Driver) pushTable(ctx context.Context, def *store.TableDef) (int, int, error) {
	rows, err := d.primary.Query(ctx, def.Name, store.Query{
		Where:   store.Eq(store.ColSynced, false),
		OrderBy: []store.Order{store.Asc(store.ColUpdatedAt)},
		Limit:   d.cfg.BatchSize,
	})
	if err != nil || len(rows) == 0 {
		return 0, 0, err
	}

	rows, err = d.assignRemoteIDs(ctx, def, rows)
	if err != nil || len(rows) == 0 {
		return 0, 0, err
	}
	docs, err := d.documents(ctx, def, rows)
	if err != nil {
		return 0, 0, err
	}

	accepted := rows
	conflicts := 0
	if err := d.replica.Upsert(ctx, def.Name, docs); err != nil {
		if store.IsTransient(err) {
			return 0, 0, err
		}
		d.log.Warn("batch rejected, pushing rows one by one", zap.String("table", def.Name), zap.Int("rows", len(docs)), zap.Error(err))
		accepted = accepted[:0:0]
		for i, doc := range docs {
			err := d.replica.Upsert(ctx, def.Name, []store.Document{doc})
			if err == nil {
				accepted = append(accepted, rows[i])
				continue
			}
			if store.IsTransient(err) {
				pushed, markErr := d.markSynced(ctx, def, accepted)
				if markErr != nil {
					return pushed, conflicts, markErr
				}
				return pushed, conflicts, err
			}
			conflicts++
			d.log.Error("replica rejected row", zap.String("table", def.Name), zap.String("remote_id", string(doc.Key)), zap.Error(err))
		}
	}

	pushed, err := d.markSynced(ctx, def, accepted)
	return pushed, conflicts, err
}

// assignRemoteIDs gives every row a remote id before it leaves the terminal,
// so a retried push upserts the same document. The id is stored as a
// bookkeeping change and does not touch updated_at.
func (d *Driver) assignRemoteIDs(ctx context.Context, def *store.TableDef, rows []store.Row) ([]store.Row, error) {
	out := rows[:0:0]
	for _, row := range rows {
		if row.Text(store.ColRemoteID) != "" {
			out = append(out, row)
			continue
		}
		remote := d.newID()
		if own, ok := row.ID().(ident.RemoteID); ok {
			remote = own
		}
		n, err := d.primary.Update(ctx, def.Name,
			store.Row{store.ColRemoteID: string(remote), store.ColSynced: false},
			store.And(store.Eq(store.ColID, row.ID()), store.Eq(store.ColUpdatedAt, row.Int(store.ColUpdatedAt))),
		)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Edited since it was read; the next cycle sees the new version.
			continue
		}
		row = row.Clone()
		row[store.ColRemoteID] = string(remote)
		out = append(out, row)
	}
	return out, nil
}

// documents builds replica documents, rewriting local references to the
// parent's remote id with one lookup per referenced table.
func (d *Driver) documents(ctx context.Context, def *store.TableDef, rows []store.Row) ([]store.Document, error) {
	translate := make(map[string]map[ident.LocalID]ident.RemoteID)
	for _, col := range def.References() {
		var locals []ident.ID
		for _, row := range rows {
			if id, ok := row[col.Name].(ident.LocalID); ok {
				locals = append(locals, id)
			}
		}
		m, err := d.remoteIDs(ctx, col.Parent, locals)
		if err != nil {
			return nil, err
		}
		translate[col.Name] = m
	}
	polymorphic, err := d.polymorphicRemoteIDs(ctx, def, rows)
	if err != nil {
		return nil, err
	}

	docs := make([]store.Document, 0, len(rows))
	for _, row := range rows {
		fields := make(store.Row, len(row))
		for k, v := range row {
			switch k {
			case store.ColID, store.ColRemoteID:
				continue
			}
			if local, ok := v.(ident.LocalID); ok {
				if remote, found := translate[k][local]; found {
					v = remote
				}
			}
			fields[k] = v
		}
		if local, ok := polymorphicLocal(def, row); ok {
			if remote, found := polymorphic[row.Text(colReferenceType)][local]; found {
				fields[colReferenceID] = string(remote)
			}
		}
		if local, ok := row.ID().(ident.LocalID); ok {
			fields[store.ColLocalID] = local
		}
		fields[store.ColSynced] = true
		docs = append(docs, store.Document{Key: ident.RemoteID(row.Text(store.ColRemoteID)), Fields: fields})
	}
	return docs, nil
}

// remoteIDs looks up the remote ids of parent rows in one query. Parents not
// yet replicated are left out of the map and keep their local form.
func (d *Driver) remoteIDs(ctx context.Context, table string, locals []ident.ID) (map[ident.LocalID]ident.RemoteID, error) {
	if len(locals) == 0 {
		return nil, nil
	}
	parents, err := d.primary.Query(ctx, table, store.Query{Where: store.In(store.ColID, store.IDs(locals)...)})
	if err != nil {
		return nil, err
	}
	m := make(map[ident.LocalID]ident.RemoteID, len(parents))
	for _, p := range parents {
		local, ok := p.ID().(ident.LocalID)
		remote := p.Text(store.ColRemoteID)
		if ok && remote != "" {
			m[local] = ident.RemoteID(remote)
		}
	}
	return m, nil
}

// polymorphicRemoteIDs resolves reference_id values that hold the local id of
// the syncable table named in reference_type, grouped by that table.
func (d *Driver) polymorphicRemoteIDs(ctx context.Context, def *store.TableDef, rows []store.Row) (map[string]map[ident.LocalID]ident.RemoteID, error) {
	byTable := make(map[string][]ident.ID)
	for _, row := range rows {
		if local, ok := polymorphicLocal(def, row); ok {
			parent := row.Text(colReferenceType)
			byTable[parent] = append(byTable[parent], local)
		}
	}
	out := make(map[string]map[ident.LocalID]ident.RemoteID, len(byTable))
	for parent, locals := range byTable {
		m, err := d.remoteIDs(ctx, parent, locals)
		if err != nil {
			return nil, err
		}
		out[parent] = m
	}
	return out, nil
}

func polymorphicLocal(def *store.TableDef, row store.Row) (ident.LocalID, bool) {
	if _, ok := def.Column(colReferenceType); !ok {
		return 0, false
	}
	parent, err := store.Table(row.Text(colReferenceType))
	if err != nil || !parent.Syncable {
		return 0, false
	}
	id, err := ident.Parse(row.Text(colReferenceID))
	if err != nil {
		return 0, false
	}
	local, ok := id.(ident.LocalID)
	return local, ok
}

func (d *Driver) markSynced(ctx context.Context, def *store.TableDef, rows []store.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	marked := 0
	err := d.primary.InTx(ctx, func(tx store.Backend) error {
		marked = 0
		for _, row := range rows {
			n, err := tx.Update(ctx, def.Name,
				store.Row{store.ColSynced: true},
				store.And(store.Eq(store.ColID, row.ID()), store.Eq(store.ColUpdatedAt, row.Int(store.ColUpdatedAt))),
			)
			if err != nil {
				return err
			}
			marked += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if skipped := len(rows) - marked; skipped > 0 {
		d.log.Debug("rows changed during push stay pending", zap.String("table", def.Name), zap.Int("rows", skipped))
	}
	return marked, nil
}
