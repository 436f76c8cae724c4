package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

const (
	instancePrefix    = "instance/"
	signalPrefix      = "signal/"
	signalIndexPrefix = "signalidx/"
	userPrefix        = "user/"

	maxRetries = 3
)

// BadgerStore документное хранилище на BadgerDB
type BadgerStore struct {
	db         *badger.DB
	retryDelay time.Duration
}

// badgerLogger направляет внутренние логи BadgerDB в zap
type badgerLogger struct {
	log *zap.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerStore открывает хранилище по настройкам
func NewBadgerStore(cfg config.StorageConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("не указан путь к хранилищу")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("ошибка создания каталога %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: logger.GetLogger().Named("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия BadgerDB: %w", err)
	}

	return &BadgerStore{db: db, retryDelay: cfg.RetryDelay}, nil
}

// NewInMemoryStore хранилище в памяти для тестов и harness
func NewInMemoryStore() (*BadgerStore, error) {
	return NewBadgerStore(config.StorageConfig{InMemory: true})
}

// Close закрывает хранилище
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Update выполняет fn в транзакции; при конфликте повторяет до трех раз
// с линейно растущей задержкой.
func (s *BadgerStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("Повтор транзакции после конфликта", zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * s.retryDelay):
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn})
		})
		err = classify(err)
		if !errors.Is(err, ErrTransient) {
			return err
		}
	}
	return err
}

// View выполняет fn в транзакции только для чтения
func (s *BadgerStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	}))
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case errors.Is(err, badger.ErrTxnTooBig), errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%w: %v", ErrFatal, err)
	default:
		return err
	}
}

type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) get(key string, out interface{}) error {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("%w: чтение %s: %v", ErrFatal, key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func (t *badgerTx) set(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ошибка сериализации %s: %w", key, err)
	}
	if err := t.txn.Set([]byte(key), data); err != nil {
		return fmt.Errorf("%w: запись %s: %v", ErrFatal, key, err)
	}
	return nil
}

func (t *badgerTx) scan(prefix string, each func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(each); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) GetInstance(id string) (*models.Instance, error) {
	var inst models.Instance
	if err := t.get(instancePrefix+id, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (t *badgerTx) SaveInstance(inst *models.Instance) error {
	if inst.ID == "" {
		return errors.New("пустой идентификатор экземпляра")
	}
	return t.set(instancePrefix+inst.ID, inst)
}

func (t *badgerTx) ListInstances() ([]*models.Instance, error) {
	var out []*models.Instance
	err := t.scan(instancePrefix, func(val []byte) error {
		var inst models.Instance
		if err := json.Unmarshal(val, &inst); err != nil {
			return err
		}
		out = append(out, &inst)
		return nil
	})
	return out, err
}

// Ключ сигнала упорядочен по времени внутри экземпляра
func signalKey(sig *models.Signal) string {
	return fmt.Sprintf("%s%s/%020d/%s", signalPrefix, sig.InstanceID, sig.Timestamp.UnixNano(), sig.ID)
}

func (t *badgerTx) GetSignal(id string) (*models.Signal, error) {
	item, err := t.txn.Get([]byte(signalIndexPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: сигнал %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	var sig models.Signal
	if err := t.get(string(key), &sig); err != nil {
		return nil, err
	}
	return &sig, nil
}

func (t *badgerTx) SaveSignal(sig *models.Signal) error {
	if sig.ID == "" || sig.InstanceID == "" {
		return errors.New("у сигнала нет идентификатора или экземпляра")
	}
	key := signalKey(sig)
	// при повторном сохранении сохраняем исходный ключ
	item, err := t.txn.Get([]byte(signalIndexPrefix + sig.ID))
	switch {
	case err == nil:
		existing, verr := item.ValueCopy(nil)
		if verr != nil {
			return fmt.Errorf("%w: %v", ErrFatal, verr)
		}
		key = string(existing)
	case errors.Is(err, badger.ErrKeyNotFound):
		if err := t.txn.Set([]byte(signalIndexPrefix+sig.ID), []byte(key)); err != nil {
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}
	default:
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return t.set(key, sig)
}

func (t *badgerTx) FindSignals(q SignalQuery) ([]*models.Signal, error) {
	prefix := signalPrefix
	if q.InstanceID != "" {
		prefix += q.InstanceID + "/"
	}
	var out []*models.Signal
	err := t.scan(prefix, func(val []byte) error {
		var sig models.Signal
		if err := json.Unmarshal(val, &sig); err != nil {
			return err
		}
		if q.Match(&sig) {
			out = append(out, &sig)
		}
		return nil
	})
	return out, err
}

func (t *badgerTx) CountSignals(q SignalQuery) (int, error) {
	signals, err := t.FindSignals(q)
	return len(signals), err
}

func (t *badgerTx) GetUser(id string) (*models.User, error) {
	var u models.User
	if err := t.get(userPrefix+id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *badgerTx) SaveUser(u *models.User) error {
	if u.ID == "" {
		return errors.New("пустой идентификатор пользователя")
	}
	return t.set(userPrefix+u.ID, u)
}
