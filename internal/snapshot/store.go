package snapshot

import (
	"encoding/json"
	"errors"

	"binance-grid-engine-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// Store 把每个交易对最近一次成功对账/建网后的调试快照写进BadgerDB。
// 快照只是给人排障用的副本，启动时绝不作为权威状态读回，
// 一次针对交易所的实时恢复永远覆盖它。
type Store interface {
	Save(snapshot *models.RecoverySnapshot) error
	Load(symbol string) (*models.RecoverySnapshot, error)
	Close() error
}

type badgerStore struct {
	db *badger.DB
}

// NewStore 打开指定目录的BadgerDB快照库。
func NewStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger自身的日志关掉，错误仍会从操作返回
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

func snapshotKey(symbol string) []byte {
	return []byte("snapshot/" + symbol)
}

// Save 以JSON整体覆盖写入交易对的快照。
func (s *badgerStore) Save(snapshot *models.RecoverySnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snapshot.Symbol), data)
	})
}

// Load 读取交易对的快照。没有快照时返回 (nil, nil)。
func (s *badgerStore) Load(symbol string) (*models.RecoverySnapshot, error) {
	var snapshot models.RecoverySnapshot

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(symbol))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("snapshot value is empty in database")
			}
			return json.Unmarshal(val, &snapshot)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Close 关闭底层数据库。
func (s *badgerStore) Close() error {
	return s.db.Close()
}
