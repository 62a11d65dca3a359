package inject

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"signalbridge/internal/model"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// CSVStore is the file-backed quote store: one append-only CSV per
// symbol under dir, in the engine importer's column order. Refresh
// touches a marker file the engine watches to re-import.
type CSVStore struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

func NewCSVStore(dir string) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create store dir")
	}
	return &CSVStore{dir: dir, files: make(map[string]*os.File)}, nil
}

// Upsert appends the bar to its symbol file. Duplicate suppression is
// the injector's job; the store trusts its caller.
func (s *CSVStore) Upsert(_ context.Context, bar model.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(bar.Symbol)
	if err != nil {
		return err
	}

	line := fmt.Sprintf("%s,%s,%.6f,%.6f,%.6f,%.6f,%.2f\n",
		bar.Symbol,
		bar.Timestamp.Format("2006-01-02 15:04:05"),
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
	if _, err := f.WriteString(line); err != nil {
		return errors.Wrap(ErrTransient, err.Error())
	}
	return nil
}

// Refresh syncs the symbol files and bumps the import marker.
func (s *CSVStore) Refresh(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for symbol, f := range s.files {
		if err := f.Sync(); err != nil {
			return errors.Wrap(ErrTransient, err.Error()).With("symbol", symbol)
		}
	}

	marker := filepath.Join(s.dir, ".refresh")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return errors.Wrap(ErrTransient, err.Error())
	}
	return nil
}

func (s *CSVStore) file(symbol string) (*os.File, error) {
	if f, ok := s.files[symbol]; ok {
		return f, nil
	}

	path := filepath.Join(s.dir, strings.ToUpper(symbol)+".csv")
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open symbol file").With("symbol", symbol)
	}
	if os.IsNotExist(statErr) {
		if _, err := f.WriteString("Ticker,Date/Time,Open,High,Low,Close,Volume\n"); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "write header")
		}
	}

	s.files[symbol] = f
	return f, nil
}

// Close flushes and closes every symbol file.
func (s *CSVStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, f := range s.files {
		if err := f.Close(); err != nil {
			logs.Warnf("close %s store file, err: %+v", symbol, err)
		}
	}
	s.files = make(map[string]*os.File)
}
