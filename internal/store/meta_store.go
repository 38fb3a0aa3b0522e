package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/model"
)

// MetaStore and RelationStore are the DAOs backing the declarative
// relation graph; the pipeline never reads them directly, only through
// internal/metacache's read-through layer.
type MetaStore struct{ db *sqlx.DB }

func NewMetaStore(db *sqlx.DB) *MetaStore { return &MetaStore{db: db} }

type rawMeta struct {
	MetaKey  string `db:"meta_key"`
	MetaType int    `db:"meta_type"`
	Setting  []byte `db:"setting"`
}

func (s *MetaStore) Get(ctx context.Context, key string) (*model.Meta, error) {
	const q = `SELECT meta_key, meta_type, setting FROM meta WHERE meta_key = $1`
	var raw rawMeta
	err := s.db.GetContext(ctx, &raw, q, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Env(err, "get meta %s", key)
	}
	m := model.Meta{Key: raw.MetaKey, MetaType: model.MetaType(raw.MetaType)}
	if len(raw.Setting) > 0 {
		var setting model.MetaSetting
		if err := json.Unmarshal(raw.Setting, &setting); err != nil {
			return nil, errs.Logical("decode meta setting: %v", err)
		}
		m.Setting = &setting
	}
	return &m, nil
}

func (s *MetaStore) Put(ctx context.Context, m model.Meta) error {
	var settingJSON []byte
	var err error
	if m.Setting != nil {
		settingJSON, err = json.Marshal(m.Setting)
		if err != nil {
			return errs.Logical("encode meta setting: %v", err)
		}
	}
	const q = `INSERT INTO meta (meta_key, meta_type, setting) VALUES ($1, $2, $3)
		ON CONFLICT (meta_key) DO UPDATE SET meta_type = EXCLUDED.meta_type, setting = EXCLUDED.setting`
	if _, err := s.db.ExecContext(ctx, q, m.Key, int(m.MetaType), settingJSON); err != nil {
		return errs.Env(err, "put meta %s", m.Key)
	}
	return nil
}

type RelationStore struct{ db *sqlx.DB }

func NewRelationStore(db *sqlx.DB) *RelationStore { return &RelationStore{db: db} }

type rawRelation struct {
	FromMeta string `db:"from_meta"`
	ToMeta   string `db:"to_meta"`
	Flow     []byte `db:"flow"`
}

// GetByFromMeta returns every relation originating at fromMeta — the
// candidate set the planner narrows via each flow's selector.
func (s *RelationStore) GetByFromMeta(ctx context.Context, fromMeta string) ([]model.Relation, error) {
	const q = `SELECT from_meta, to_meta, flow FROM relation WHERE from_meta = $1`
	var raws []rawRelation
	if err := s.db.SelectContext(ctx, &raws, q, fromMeta); err != nil {
		return nil, errs.Env(err, "get relations from %s", fromMeta)
	}
	out := make([]model.Relation, 0, len(raws))
	for _, r := range raws {
		var flow model.Flow
		if err := json.Unmarshal(r.Flow, &flow); err != nil {
			return nil, errs.Logical("decode flow for %s->%s: %v", r.FromMeta, r.ToMeta, err)
		}
		out = append(out, model.Relation{FromMeta: r.FromMeta, ToMeta: r.ToMeta, Flow: flow})
	}
	return out, nil
}

func (s *RelationStore) Put(ctx context.Context, rel model.Relation) error {
	flowJSON, err := json.Marshal(rel.Flow)
	if err != nil {
		return errs.Logical("encode flow: %v", err)
	}
	const q = `INSERT INTO relation (from_meta, to_meta, flow) VALUES ($1, $2, $3)
		ON CONFLICT (from_meta, to_meta) DO UPDATE SET flow = EXCLUDED.flow`
	if _, err := s.db.ExecContext(ctx, q, rel.FromMeta, rel.ToMeta, flowJSON); err != nil {
		return errs.Env(err, "put relation %s->%s", rel.FromMeta, rel.ToMeta)
	}
	return nil
}
