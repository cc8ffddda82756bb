// Package ident issues the identifiers admitq hands out: request ids, queue
// receipt handles and the stable identity of a worker process.
//
// All of them are ULIDs. They sort by creation time, which keeps bbolt keys
// and log lines in arrival order without a separate sequence.
package ident

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const workerIDFile = "worker_id"

// monoEntropy is shared by every NewID call so ids generated within the same
// millisecond still sort in generation order. The mutex serializes access to
// the monotonic reader, which is not safe for concurrent use.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh time-ordered ULID string.
func NewID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", fmt.Errorf("ident: generate: %w", err)
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only where an entropy
// failure is unrecoverable anyway (receipt handles, tests).
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// Valid returns an error if s is not a well-formed ULID.
func Valid(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// WorkerID returns the identity of this process.
//
// An explicit override (anything but "" or "auto") wins and must be a ULID.
// Otherwise the id is read from dataDir/worker_id, generated and persisted on
// first start, so it stays stable across restarts.
func WorkerID(dataDir, override string) (string, error) {
	if override != "" && override != "auto" {
		if err := Valid(override); err != nil {
			return "", fmt.Errorf("ident: invalid worker id override %q: %w", override, err)
		}
		return override, nil
	}
	if dataDir == "" {
		return "", errors.New("ident: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("ident: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, workerIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := Valid(id); err != nil {
			return "", fmt.Errorf("ident: persisted worker id %q is invalid: %w", id, err)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ident: read worker id: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("ident: persist worker id: %w", err)
	}
	return id, nil
}
