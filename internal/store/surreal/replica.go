package surreal

import (
	"context"
	"fmt"
	"strings"
	"sync"

	surrealdb "github.com/surrealdb/surrealdb.go"

	"cafepos/internal/store"
)

// Replica is the remote side of replication. It dials lazily and redials
// after the session drops, so a terminal can start while offline.
type Replica struct {
	cfg  Config
	opts []Option

	mu   sync.Mutex
	conn *Store
}

func NewReplica(cfg Config, opts ...Option) *Replica {
	return &Replica{cfg: cfg, opts: opts}
}

func (r *Replica) session(ctx context.Context) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}
	s, err := Open(ctx, r.cfg, r.opts...)
	if err != nil {
		if store.IsTransient(err) {
			return nil, err
		}
		return nil, store.Transient("connect", "", err)
	}
	r.conn = s
	return s, nil
}

func (r *Replica) drop(s *Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == s {
		_ = s.Close()
		r.conn = nil
	}
}

func (r *Replica) Ping(ctx context.Context) error {
	s, err := r.session(ctx)
	if err != nil {
		return err
	}
	if err := s.Ping(ctx); err != nil {
		r.drop(s)
		return err
	}
	return nil
}

// Upsert writes every document in one request, one UPSERT per document.
// Documents are keyed by remote id, so replaying a batch is harmless.
func (r *Replica) Upsert(ctx context.Context, table string, docs []store.Document) error {
	if len(docs) == 0 {
		return nil
	}
	def, err := store.Table(table)
	if err != nil {
		return err
	}
	s, err := r.session(ctx)
	if err != nil {
		return err
	}

	sql, vars := upsertBatch(def, docs)
	res, err := surrealdb.Query[any](ctx, s.db, sql, vars)
	if err != nil {
		err = classify("upsert", table, err)
		if store.IsTransient(err) {
			r.drop(s)
		}
		return err
	}
	var failed []string
	for i, stmt := range *res {
		if stmt.Status != "OK" && i < len(docs) {
			failed = append(failed, string(docs[i].Key))
		}
	}
	if len(failed) > 0 {
		return store.Conflict("upsert", table, fmt.Errorf("rejected %s", strings.Join(failed, ", ")))
	}
	return nil
}

func upsertBatch(def *store.TableDef, docs []store.Document) (string, map[string]any) {
	stmts := make([]string, 0, len(docs))
	vars := map[string]any{"tb": def.Name}
	for i, doc := range docs {
		body := encodeDoc(def, doc.Fields)
		delete(body, store.ColRemoteID)
		vars[fmt.Sprintf("k%d", i)] = string(doc.Key)
		vars[fmt.Sprintf("d%d", i)] = body
		stmts = append(stmts, fmt.Sprintf("UPSERT type::thing($tb, $k%d) CONTENT $d%d RETURN NONE", i, i))
	}
	return strings.Join(stmts, ";\n"), vars
}

func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
