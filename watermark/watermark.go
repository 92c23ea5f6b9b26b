// Package watermark implements the Watermark & State Manager (spec
// §4.5): the durable, cached, indexed store of per-(pipeline, source,
// target, column) cursor values that makes incremental loads and
// transforms correct and fast.
package watermark

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/giaosudau/sqlflow/sqlengine"
)

// Key is the watermark primary key (spec §3 "Watermark record").
type Key struct {
	Pipeline string
	Source   string
	Target   string
	Column   string
}

// Kind tags which field of Value is populated.
type Kind string

const (
	KindTimestamp Kind = "timestamp"
	KindInt       Kind = "int"
	KindString    Kind = "string"
)

// Value is a watermark's stored cursor value, kept in the richest type
// available and compared with typed semantics (spec §3).
type Value struct {
	Kind      Kind
	Timestamp time.Time
	Int       int64
	Str       string
}

// Compare returns -1, 0, or 1 comparing v to other. Values of different
// kinds are incomparable and Compare returns 0 with ok=false.
func (v Value) Compare(other Value) (result int, ok bool) {
	if v.Kind != other.Kind {
		return 0, false
	}

	switch v.Kind {
	case KindTimestamp:
		switch {
		case v.Timestamp.Before(other.Timestamp):
			return -1, true
		case v.Timestamp.After(other.Timestamp):
			return 1, true
		default:
			return 0, true
		}
	case KindInt:
		switch {
		case v.Int < other.Int:
			return -1, true
		case v.Int > other.Int:
			return 1, true
		default:
			return 0, true
		}
	case KindString:
		switch {
		case v.Str < other.Str:
			return -1, true
		case v.Str > other.Str:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

// ValueFromAny derives a Value and its Kind from a raw Go value
// produced by either a driver-scanned row field (loadexport's
// RowBatch) or a database/sql Scan into an *any (transform's
// MAX(col) probe) -- one dispatch shared by both incremental paths so
// a non-timestamp cursor column (spec §3 value_int/value_str) is never
// silently coerced to KindTimestamp by one of the two callers and not
// the other.
func ValueFromAny(raw any) (Value, bool) {
	switch v := raw.(type) {
	case time.Time:
		return Value{Kind: KindTimestamp, Timestamp: v}, true
	case int64:
		return Value{Kind: KindInt, Int: v}, true
	case int:
		return Value{Kind: KindInt, Int: int64(v)}, true
	case float64:
		return Value{Kind: KindInt, Int: int64(v)}, true
	case []byte:
		return stringWatermarkValue(string(v)), true
	case string:
		return stringWatermarkValue(v), true
	default:
		return Value{}, false
	}
}

func stringWatermarkValue(s string) Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Value{Kind: KindInt, Int: n}
	}

	return Value{Kind: KindString, Str: s}
}

// Max returns whichever of a, b compares greater; if they are
// incomparable (different kinds), b is returned and ok is false so the
// caller can decide whether that is a point-failure (spec Open
// Questions: "NaN/incomparable cursor values" resolved as point-failure
// in SPEC_FULL.md).
func Max(a, b Value) (Value, bool) {
	cmp, ok := a.Compare(b)
	if !ok {
		return b, false
	}

	if cmp >= 0 {
		return a, true
	}

	return b, true
}

// Store is the indexed, cached watermark table (spec §4.5).
type Store struct {
	engine sqlengine.Engine
	cache  *lru.Cache[Key, Value]
}

// NewStore opens (creating if necessary) the watermarks table backed by
// engine, with an LRU cache of cacheSize entries (spec §4.5 "O(1) with
// in-memory LRU cache, O(log n) cold via primary-key index").
func NewStore(ctx context.Context, engine sqlengine.Engine, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	cache, err := lru.New[Key, Value](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating watermark cache: %w", err)
	}

	s := &Store{engine: engine, cache: cache}

	tx, err := engine.Begin(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS watermarks (
		pipeline TEXT NOT NULL,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		column_name TEXT NOT NULL,
		value_kind TEXT NOT NULL,
		value_ts TIMESTAMP,
		value_int BIGINT,
		value_str TEXT,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (pipeline, source, target, column_name)
	)`); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("creating watermarks table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s, nil
}

// Get returns the current watermark for key. It checks the in-memory
// cache first, falling back to the primary-key-indexed table.
func (s *Store) Get(ctx context.Context, key Key) (Value, bool, error) {
	if v, ok := s.cache.Get(key); ok {
		return v, true, nil
	}

	tx, err := s.engine.Begin(ctx)
	if err != nil {
		return Value{}, false, err
	}
	defer tx.Rollback()

	v, ok, err := s.queryLocked(ctx, tx, key)
	if err != nil {
		return Value{}, false, err
	}

	if ok {
		s.cache.Add(key, v)
	}

	return v, ok, nil
}

func (s *Store) queryLocked(ctx context.Context, tx sqlengine.Tx, key Key) (Value, bool, error) {
	row := tx.QueryRow(ctx, `SELECT value_kind, value_ts, value_int, value_str FROM watermarks
		WHERE pipeline = ? AND source = ? AND target = ? AND column_name = ?`,
		key.Pipeline, key.Source, key.Target, key.Column)

	var (
		kind  string
		ts    sql.NullTime
		i     sql.NullInt64
		str   sql.NullString
	)

	if err := row.Scan(&kind, &ts, &i, &str); err != nil {
		if err == sql.ErrNoRows {
			return Value{}, false, nil
		}

		return Value{}, false, fmt.Errorf("reading watermark %+v: %w", key, err)
	}

	v := Value{Kind: Kind(kind)}

	switch v.Kind {
	case KindTimestamp:
		v.Timestamp = ts.Time
	case KindInt:
		v.Int = i.Int64
	case KindString:
		v.Str = str.String
	}

	return v, true, nil
}

// Update atomically upserts key's watermark within tx (spec §4.5
// "atomic upsert in the SQL engine's transaction"). Callers must invoke
// this in the same transaction that commits the downstream write, or in
// a strictly-after transaction guarded by application-level retry.
func (s *Store) Update(ctx context.Context, tx sqlengine.Tx, key Key, value Value) error {
	_, err := tx.Exec(ctx, `INSERT INTO watermarks (pipeline, source, target, column_name, value_kind, value_ts, value_int, value_str, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (pipeline, source, target, column_name) DO UPDATE SET
			value_kind = excluded.value_kind,
			value_ts = excluded.value_ts,
			value_int = excluded.value_int,
			value_str = excluded.value_str,
			updated_at = excluded.updated_at`,
		key.Pipeline, key.Source, key.Target, key.Column,
		string(value.Kind), tsOrNil(value), intOrNil(value), strOrNil(value))
	if err != nil {
		return fmt.Errorf("updating watermark %+v: %w", key, err)
	}

	// Cache invalidation happens only after the caller's transaction
	// commits (see CommitHook); staging this value now would make a
	// rolled-back write visible to Get.
	return nil
}

// CommitHook must be called after the transaction containing Update
// commits, to make the new value visible through the cache.
func (s *Store) CommitHook(key Key, value Value) {
	s.cache.Add(key, value)
}

// Reset deletes the watermark for key.
func (s *Store) Reset(ctx context.Context, key Key) error {
	tx, err := s.engine.Begin(ctx)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM watermarks WHERE pipeline = ? AND source = ? AND target = ? AND column_name = ?`,
		key.Pipeline, key.Source, key.Target, key.Column); err != nil {
		tx.Rollback()
		return fmt.Errorf("resetting watermark %+v: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.cache.Remove(key)

	return nil
}

// ResetAll deletes every watermark for pipeline.
func (s *Store) ResetAll(ctx context.Context, pipeline string) error {
	tx, err := s.engine.Begin(ctx)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM watermarks WHERE pipeline = ?`, pipeline); err != nil {
		tx.Rollback()
		return fmt.Errorf("resetting watermarks for %q: %w", pipeline, err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.cache.Purge()

	return nil
}

// List returns every watermark for pipeline, for the CLI's
// list-watermarks command (spec §6).
func (s *Store) List(ctx context.Context, pipeline string) ([]struct {
	Key   Key
	Value Value
}, error,
) {
	tx, err := s.engine.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(ctx, `SELECT source, target, column_name, value_kind, value_ts, value_int, value_str
		FROM watermarks WHERE pipeline = ? ORDER BY source, target, column_name`, pipeline)
	if err != nil {
		return nil, fmt.Errorf("listing watermarks for %q: %w", pipeline, err)
	}
	defer rows.Close()

	var out []struct {
		Key   Key
		Value Value
	}

	for rows.Next() {
		var (
			source, target, column, kind string
			ts                           sql.NullTime
			i                            sql.NullInt64
			str                          sql.NullString
		)

		if err := rows.Scan(&source, &target, &column, &kind, &ts, &i, &str); err != nil {
			return nil, fmt.Errorf("scanning watermark row: %w", err)
		}

		v := Value{Kind: Kind(kind)}

		switch v.Kind {
		case KindTimestamp:
			v.Timestamp = ts.Time
		case KindInt:
			v.Int = i.Int64
		case KindString:
			v.Str = str.String
		}

		out = append(out, struct {
			Key   Key
			Value Value
		}{Key: Key{Pipeline: pipeline, Source: source, Target: target, Column: column}, Value: v})
	}

	return out, rows.Err()
}

func tsOrNil(v Value) any {
	if v.Kind == KindTimestamp {
		return v.Timestamp
	}

	return nil
}

func intOrNil(v Value) any {
	if v.Kind == KindInt {
		return v.Int
	}

	return nil
}

func strOrNil(v Value) any {
	if v.Kind == KindString {
		return v.Str
	}

	return nil
}
