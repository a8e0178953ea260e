// Package storage provides the persistent ledger for the trading engine.
// It uses BoltDB as the underlying storage engine to store open positions,
// executed trades, account snapshots, and the per-tick audit trail.
//
// Positions are keyed by symbol (at most one per symbol); trades, snapshots,
// and audit records are append-only time series keyed for efficient range
// scans.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	positionsBucket = "positions"
	tradesBucket    = "trades"
	snapshotsBucket = "snapshots"
	auditBucket     = "audit"
	configBucket    = "config"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = fmt.Errorf("storage: record not found")

// Store provides persistent storage for the position lifecycle ledger.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database under dataPath and ensures all
// buckets exist.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "trader-data.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{positionsBucket, tradesBucket, snapshotsBucket, auditBucket, configBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SavePosition inserts or replaces the position row for its symbol.
func (s *Store) SavePosition(pos Position) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(positionsBucket))

		data, err := json.Marshal(pos)
		if err != nil {
			return fmt.Errorf("marshal position: %w", err)
		}
		return b.Put([]byte(pos.Symbol), data)
	})
}

// Position returns the open position for symbol, or ErrNotFound.
func (s *Store) Position(symbol string) (Position, error) {
	var pos Position
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(positionsBucket)).Get([]byte(symbol))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &pos)
	})
	return pos, err
}

// Positions returns all open positions ordered by symbol ascending.
func (s *Store) Positions() ([]Position, error) {
	var positions []Position
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(positionsBucket)).ForEach(func(_, v []byte) error {
			var pos Position
			if err := json.Unmarshal(v, &pos); err != nil {
				return fmt.Errorf("unmarshal position: %w", err)
			}
			positions = append(positions, pos)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Bucket iteration is already key-ordered; keep the guarantee explicit.
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, err
}

// DeletePosition removes the position row for symbol. Deleting a missing
// row is not an error.
func (s *Store) DeletePosition(symbol string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(positionsBucket)).Delete([]byte(symbol))
	})
}

func tradeKey(t Trade) []byte {
	return []byte(fmt.Sprintf("%s_%d_%s", t.Symbol, t.Timestamp.UnixNano(), t.OrderID))
}

// SaveTrade appends a trade record to the ledger. Re-saving a trade with
// the same symbol, timestamp, and order id overwrites it in place, which
// is how the historical PnL fixer updates corrected rows.
func (s *Store) SaveTrade(trade Trade) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tradesBucket))

		data, err := json.Marshal(trade)
		if err != nil {
			return fmt.Errorf("marshal trade: %w", err)
		}
		return b.Put(tradeKey(trade), data)
	})
}

// TradesInRange retrieves trade records for a symbol within [start, end],
// ordered by timestamp.
func (s *Store) TradesInRange(symbol string, start, end time.Time) ([]Trade, error) {
	var trades []Trade

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(tradesBucket)).Cursor()

		prefix := []byte(symbol + "_")
		startKey := []byte(fmt.Sprintf("%s_%d", symbol, start.UnixNano()))
		endKey := []byte(fmt.Sprintf("%s_%d", symbol, end.UnixNano()+1))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) < 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			var trade Trade
			if err := json.Unmarshal(v, &trade); err != nil {
				continue // skip malformed records
			}
			trades = append(trades, trade)
		}
		return nil
	})
	return trades, err
}

// AllTrades returns every trade in the ledger ordered by symbol then
// timestamp. Used by the historical PnL fixer and the decision snapshot.
func (s *Store) AllTrades() ([]Trade, error) {
	var trades []Trade
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tradesBucket)).ForEach(func(_, v []byte) error {
			var trade Trade
			if err := json.Unmarshal(v, &trade); err != nil {
				return nil // skip malformed records
			}
			trades = append(trades, trade)
			return nil
		})
	})
	return trades, err
}

// RecentTrades returns up to limit most recent trades across all symbols,
// newest first.
func (s *Store) RecentTrades(limit int) ([]Trade, error) {
	trades, err := s.AllTrades()
	if err != nil {
		return nil, err
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp.After(trades[j].Timestamp) })
	if len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

// SaveSnapshot appends an account snapshot.
func (s *Store) SaveSnapshot(snap AccountSnapshot) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(snapshotsBucket))

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		key := fmt.Sprintf("%020d", snap.Timestamp.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// FirstSnapshot returns the earliest account snapshot, which anchors
// initial balance for return and drawdown math. ErrNotFound when the
// ledger is empty.
func (s *Store) FirstSnapshot() (AccountSnapshot, error) {
	var snap AccountSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket([]byte(snapshotsBucket)).Cursor().First()
		if k == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &snap)
	})
	return snap, err
}

// PeakEquity scans the snapshot history for the highest recorded account
// value (balance plus unrealized PnL). Returns 0 on an empty ledger.
func (s *Store) PeakEquity() (float64, error) {
	var peak float64
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(snapshotsBucket)).ForEach(func(_, v []byte) error {
			var snap AccountSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return nil
			}
			if eq := snap.TotalBalance + snap.UnrealizedPnl; eq > peak {
				peak = eq
			}
			return nil
		})
	})
	return peak, err
}

// SaveAudit appends a per-tick audit record.
func (s *Store) SaveAudit(rec AuditRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(auditBucket))

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		key := fmt.Sprintf("%020d", rec.Timestamp.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// RecentAudits returns up to limit most recent audit records, newest
// first.
func (s *Store) RecentAudits(limit int) ([]AuditRecord, error) {
	var records []AuditRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(auditBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// SetConfigValue persists a small keyed JSON document, such as the
// effective risk configuration recorded at startup.
func (s *Store) SetConfigValue(key string, value any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal config value: %w", err)
		}
		return tx.Bucket([]byte(configBucket)).Put([]byte(key), data)
	})
}

// ConfigValue reads a keyed JSON document into out. ErrNotFound when the
// key is absent.
func (s *Store) ConfigValue(key string, out any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(configBucket)).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, out)
	})
}
