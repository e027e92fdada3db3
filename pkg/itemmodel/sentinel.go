package itemmodel

import (
	"context"
	"fmt"

	"github.com/theory-cloud/txcore/internal/expr"
	"github.com/theory-cloud/txcore/pkg/field"
	"github.com/theory-cloud/txcore/pkg/store"
)

// Sentinel represents a read miss whose continued absence must be
// verified transactionally at commit time (SPEC_FULL.md §3
// "tracked-item states": a tracked item is either a real Model or a
// non-existent-item sentinel). It carries no fields and never
// produces a write of its own; pkg/batcher folds it into the commit's
// condition checks.
type Sentinel struct {
	Table string
	Key   store.Key
}

// NewSentinel builds a Sentinel identifying the row that was read and
// found absent.
func NewSentinel(table string, key store.Key) *Sentinel {
	return &Sentinel{Table: table, Key: key}
}

// TrackedKey identifies this sentinel's row for pkg/batcher's
// tracked-item map, in the same table\x00id\x00sk shape as Model (the
// \x00sk part only when the key has an _sk).
func (s *Sentinel) TrackedKey() (string, error) {
	key := fmt.Sprintf("%s\x00%v", s.Table, s.Key["_id"])
	if sk, ok := s.Key["_sk"]; ok {
		key += fmt.Sprintf("\x00%v", sk)
	}
	return key, nil
}

func (s *Sentinel) TableName() string       { return s.Table }
func (s *Sentinel) Kind() field.Source      { return field.SourceGet }
func (s *Sentinel) IsDirty() bool           { return false }
func (s *Sentinel) MarkedForDeletion() bool { return false }
func (s *Sentinel) IsSentinel() bool        { return true }
func (s *Sentinel) ResetForRetry()          {}

// CommitParams is never called: a Sentinel is never dirty.
func (s *Sentinel) CommitParams(_ context.Context) (WriteParams, error) {
	return WriteParams{}, fmt.Errorf("itemmodel: sentinel has no write params")
}

// ConditionCheckParams asserts the row is still absent:
// attribute_not_exists(_id).
func (s *Sentinel) ConditionCheckParams(_ context.Context) (WriteParams, error) {
	b := expr.New()
	idSym := b.NameSym("_id")
	b.AddCondition(expr.NotExists(idSym))
	return WriteParams{
		Kind:                store.TransactConditionCheck,
		TableName:           s.Table,
		Key:                 s.Key,
		ConditionExpression: b.ConditionExpression(),
		Names:               b.Names(),
		Values:              b.Values(),
	}, nil
}
