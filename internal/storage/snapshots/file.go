package snapshots

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

const filePrefix = "balances-"

// FileStore persists each account as a JSON array of coins in its own file.
type FileStore struct {
	dir string
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("snapshot dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create snapshot dir")
	}

	return &FileStore{dir: dir}, nil
}

// Path returns the file backing the account.
func (s *FileStore) Path(account string) string {
	return filepath.Join(s.dir, filePrefix+url.PathEscape(account)+".json")
}

// Load reads the snapshot of the account from disk.
func (s *FileStore) Load(_ context.Context, account string) (domain.Snapshot, error) {
	path := s.Path(account)

	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Snapshot{}, nil
		}

		return domain.Snapshot{}, &domain.PersistenceError{
			Account: account,
			Op:      domain.PersistenceLoad,
			Err:     errors.Wrap(err, "read snapshot"),
		}
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return domain.Snapshot{}, &domain.MalformedSnapshotError{
			Account: account,
			Err:     errors.Errorf("snapshot file %s is empty", path),
		}
	}

	var coins []domain.CoinBalance
	if err := json.Unmarshal(payload, &coins); err != nil {
		return domain.Snapshot{}, &domain.MalformedSnapshotError{
			Account: account,
			Err:     errors.Wrap(err, "decode snapshot"),
		}
	}

	snapshot := domain.NewSnapshot(coins)
	if info, err := os.Stat(path); err == nil {
		snapshot.UpdatedAt = info.ModTime().UTC()
	}

	return snapshot, nil
}

// Save writes the snapshot to a temp file and renames it over the previous one.
func (s *FileStore) Save(_ context.Context, account string, snapshot domain.Snapshot) error {
	if err := s.save(account, snapshot); err != nil {
		return &domain.PersistenceError{Account: account, Op: domain.PersistenceSave, Err: err}
	}

	return nil
}

func (s *FileStore) save(account string, snapshot domain.Snapshot) error {
	coins := snapshot.Coins
	if coins == nil {
		coins = []domain.CoinBalance{}
	}

	payload, err := json.MarshalIndent(coins, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}

	path := s.Path(account)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create snapshot temp file")
	}

	if _, err := f.Write(payload); err != nil {
		f.Close()
		return errors.Wrap(err, "write snapshot temp file")
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync snapshot temp file")
	}

	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close snapshot temp file")
	}

	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "persist snapshot")
	}

	return nil
}
