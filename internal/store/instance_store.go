package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/model"
)

// InstanceStore is the relational DAO for business instances.
type InstanceStore struct {
	db             *sqlx.DB
	querySizeLimit int
}

func NewInstanceStore(db *sqlx.DB, querySizeLimit int) *InstanceStore {
	return &InstanceStore{db: db, querySizeLimit: querySizeLimit}
}

type rawInstance struct {
	Meta         string `db:"meta"`
	InsID        int64  `db:"ins_id"`
	Para         string `db:"para"`
	Content      []byte `db:"content"`
	Context      []byte `db:"context"`
	SysContext   []byte `db:"sys_context"`
	States       []byte `db:"states"`
	StateVersion int    `db:"state_version"`
	CreateTime   int64  `db:"create_time"`
	FromKey      string `db:"from_key"`
}

func toRaw(ins model.Instance) (rawInstance, error) {
	ctxJSON, err := json.Marshal(ins.Context)
	if err != nil {
		return rawInstance{}, err
	}
	sysJSON, err := json.Marshal(ins.SysContext)
	if err != nil {
		return rawInstance{}, err
	}
	stateNames := make([]string, 0, len(ins.States))
	for s := range ins.States {
		stateNames = append(stateNames, s)
	}
	statesJSON, err := json.Marshal(stateNames)
	if err != nil {
		return rawInstance{}, err
	}
	return rawInstance{
		Meta:         ins.Meta,
		InsID:        int64(ins.ID),
		Para:         ins.Para,
		Content:      ins.Content,
		Context:      ctxJSON,
		SysContext:   sysJSON,
		States:       statesJSON,
		StateVersion: ins.StateVersion,
		CreateTime:   ins.CreateTime,
		FromKey:      ins.FromKey,
	}, nil
}

func (r rawInstance) toInstance() (model.Instance, error) {
	ins := model.Instance{
		Meta:         r.Meta,
		ID:           uint64(r.InsID),
		Para:         r.Para,
		Content:      r.Content,
		StateVersion: r.StateVersion,
		CreateTime:   r.CreateTime,
		FromKey:      r.FromKey,
	}
	if len(r.Context) > 0 {
		if err := json.Unmarshal(r.Context, &ins.Context); err != nil {
			return ins, err
		}
	}
	if len(r.SysContext) > 0 {
		if err := json.Unmarshal(r.SysContext, &ins.SysContext); err != nil {
			return ins, err
		}
	}
	if len(r.States) > 0 {
		var names []string
		if err := json.Unmarshal(r.States, &names); err != nil {
			return ins, err
		}
		ins.States = make(map[string]struct{}, len(names))
		for _, n := range names {
			ins.States[n] = struct{}{}
		}
	}
	return ins, nil
}

// Insert writes one instance row. A unique-constraint violation on
// (meta, ins_id, para, state_version) is reported as errs.Duplicated
// rather than a bare driver error, so callers can treat "someone else
// already stored this version" as success.
func (s *InstanceStore) Insert(ctx context.Context, ins model.Instance) error {
	raw, err := toRaw(ins)
	if err != nil {
		return errs.Logical("encode instance: %v", err)
	}
	const q = `INSERT INTO instances
		(meta, ins_id, para, content, context, sys_context, states, state_version, create_time, from_key)
		VALUES (:meta, :ins_id, :para, :content, :context, :sys_context, :states, :state_version, :create_time, :from_key)`
	_, err = s.db.NamedExecContext(ctx, q, raw)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Duplicated("instance %s already stored at version %d", ins.Key(), ins.StateVersion)
		}
		return errs.Env(err, "insert instance %s", ins.Key())
	}
	return nil
}

// GetByFrom returns the highest-state_version instance of meta/id that
// was produced from the given from_key — used to check whether an
// upstream instance has already been converted once.
func (s *InstanceStore) GetByFrom(ctx context.Context, meta string, id uint64, fromKey string) (*model.Instance, error) {
	const q = `SELECT meta, ins_id, para, content, context, sys_context, states, state_version, create_time, from_key
		FROM instances WHERE meta = $1 AND ins_id = $2 AND from_key = $3
		ORDER BY state_version DESC LIMIT 1`
	var raw rawInstance
	err := s.db.GetContext(ctx, &raw, q, meta, int64(id), fromKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Env(err, "get instance by from_key")
	}
	ins, err := raw.toInstance()
	if err != nil {
		return nil, errs.Logical("decode instance: %v", err)
	}
	return &ins, nil
}

// GetLastState returns the highest-state_version row for meta|id|para.
func (s *InstanceStore) GetLastState(ctx context.Context, meta string, id uint64, para string) (*model.Instance, error) {
	const q = `SELECT meta, ins_id, para, content, context, sys_context, states, state_version, create_time, from_key
		FROM instances WHERE meta = $1 AND ins_id = $2 AND para = $3
		ORDER BY state_version DESC LIMIT 1`
	var raw rawInstance
	err := s.db.GetContext(ctx, &raw, q, meta, int64(id), para)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Env(err, "get last state")
	}
	ins, err := raw.toInstance()
	if err != nil {
		return nil, errs.Logical("decode instance: %v", err)
	}
	return &ins, nil
}

// GetByID returns the exact (meta, id, para, state_version) row.
func (s *InstanceStore) GetByID(ctx context.Context, meta string, id uint64, para string, version int) (*model.Instance, error) {
	const q = `SELECT meta, ins_id, para, content, context, sys_context, states, state_version, create_time, from_key
		FROM instances WHERE meta = $1 AND ins_id = $2 AND para = $3 AND state_version = $4`
	var raw rawInstance
	err := s.db.GetContext(ctx, &raw, q, meta, int64(id), para, version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Env(err, "get instance by id")
	}
	ins, err := raw.toInstance()
	if err != nil {
		return nil, errs.Logical("decode instance: %v", err)
	}
	return &ins, nil
}

// Delete removes every version of the given meta|id|para identity.
func (s *InstanceStore) Delete(ctx context.Context, meta string, id uint64, para string) error {
	const q = `DELETE FROM instances WHERE meta = $1 AND ins_id = $2 AND para = $3`
	_, err := s.db.ExecContext(ctx, q, meta, int64(id), para)
	if err != nil {
		return errs.Env(err, "delete instance")
	}
	return nil
}

// GetByKeyRange implements the range scan over instances, decomposing
// each bound into meta/id/para clauses and rejecting any bound that
// contains a literal single quote before it ever reaches SQL.
func (s *InstanceStore) GetByKeyRange(ctx context.Context, cond model.KeyCondition) ([]model.Instance, error) {
	var clauses []string
	var args []any
	argN := 1
	seen := map[string]bool{}

	add := func(part string, op string) error {
		if part == "" {
			return nil
		}
		return buildForPart(&clauses, &args, &argN, seen, part, op)
	}
	if err := add(cond.KeyGt, ">"); err != nil {
		return nil, err
	}
	if err := add(cond.KeyGe, ">="); err != nil {
		return nil, err
	}
	if err := add(cond.KeyLt, "<"); err != nil {
		return nil, err
	}
	if err := add(cond.KeyLe, "<="); err != nil {
		return nil, err
	}

	if cond.TimeGe != 0 {
		clauses = append(clauses, fmt.Sprintf("create_time >= $%d", argN))
		args = append(args, cond.TimeGe)
		argN++
	}
	if cond.TimeLt != 0 {
		clauses = append(clauses, fmt.Sprintf("create_time < $%d", argN))
		args = append(args, cond.TimeLt)
		argN++
	}

	limit := cond.Limit
	if limit <= 0 || limit > s.querySizeLimit {
		limit = s.querySizeLimit
	}

	sqlStr := "SELECT meta, ins_id, para, content, context, sys_context, states, state_version, create_time, from_key FROM instances WHERE 1=1"
	for _, c := range clauses {
		sqlStr += " AND " + c
	}
	sqlStr += fmt.Sprintf(" ORDER BY meta, ins_id, para LIMIT $%d", argN)
	args = append(args, limit)

	var raws []rawInstance
	if err := s.db.SelectContext(ctx, &raws, s.db.Rebind(sqlStr), args...); err != nil {
		return nil, errs.Env(err, "range query instances")
	}
	out := make([]model.Instance, 0, len(raws))
	for _, r := range raws {
		ins, err := r.toInstance()
		if err != nil {
			return nil, errs.Logical("decode instance: %v", err)
		}
		out = append(out, ins)
	}
	return out, nil
}

// keyToPart splits a composite key on "|", stopping at the first
// empty segment — a trailing separator does not produce an empty
// trailing part.
func keyToPart(key string) []string {
	if key == "" {
		return nil
	}
	raw := strings.Split(key, "|")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p == "" {
			break
		}
		out = append(out, p)
	}
	return out
}

// buildForPart generates the WHERE clauses for one bound of a range
// query, following the same part-count rules as the original
// instance-range algorithm: a 1-part bound compares meta against end
// sign, 2 parts add an ins_id comparison, 3+ parts add a para
// comparison — anything past the third part is ignored. A literal
// single quote anywhere in the bound is rejected outright.
func buildForPart(clauses *[]string, args *[]any, argN *int, seen map[string]bool, part string, op string) error {
	if strings.Contains(part, "'") {
		return errs.Verify("illegal query condition")
	}
	parts := keyToPart(part)
	switch {
	case len(parts) > 1:
		if !seen["meta:"+parts[0]] {
			seen["meta:"+parts[0]] = true
			*clauses = append(*clauses, fmt.Sprintf("meta = $%d", *argN))
			*args = append(*args, parts[0])
			*argN++
		}
	case len(parts) == 1:
		*clauses = append(*clauses, fmt.Sprintf("meta %s $%d", op, *argN))
		*args = append(*args, parts[0])
		*argN++
	}

	if len(parts) > 2 {
		idKey := parts[0] + "|" + parts[1]
		if !seen["id:"+idKey] {
			seen["id:"+idKey] = true
			id, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return errs.Verify("illegal instance id %q", parts[1])
			}
			*clauses = append(*clauses, fmt.Sprintf("ins_id = $%d", *argN))
			*args = append(*args, id)
			*argN++
		}
	} else if len(parts) == 2 {
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return errs.Verify("illegal instance id %q", parts[1])
		}
		*clauses = append(*clauses, fmt.Sprintf("ins_id %s $%d", op, *argN))
		*args = append(*args, id)
		*argN++
	}

	if len(parts) >= 3 {
		*clauses = append(*clauses, fmt.Sprintf("para %s $%d", op, *argN))
		*args = append(*args, parts[2])
		*argN++
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint
// violation. lib/pq surfaces these as SQLSTATE 23505; checked via an
// unexported interface so this file doesn't need a direct pq import.
func isUniqueViolation(err error) bool {
	for err != nil {
		if s, ok := err.(interface{ SQLState() string }); ok {
			return s.SQLState() == "23505"
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
