package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/InsulaLabs/snipcast/models"
)

const (
	snippetKeyPrefix = "snippet:"
	idSequenceKey    = "seq:snippet"
	idSequenceBand   = 64
)

// ErrSnippetNotFound is returned when an operation targets an id that does
// not exist.
type ErrSnippetNotFound struct {
	ID string
}

func (e *ErrSnippetNotFound) Error() string {
	return fmt.Sprintf("snippet '%s' not found", e.ID)
}

// ErrInternal wraps storage level failures.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal store error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error { return e.Err }

func IsErrSnippetNotFound(err error) bool {
	var notFound *ErrSnippetNotFound
	return errors.As(err, &notFound)
}

type Config struct {
	Directory string
	Logger    *slog.Logger
}

// Store persists snippets in badger. Ids are monotonically increasing
// integers handed out by a badger sequence, rendered as strings on the
// wire.
type Store struct {
	logger *slog.Logger
	db     *badger.DB
	seq    *badger.Sequence
}

func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, &ErrInternal{Err: err}
	}

	opts := badger.DefaultOptions(cfg.Directory).
		WithLogger(newLogger(cfg.Logger.WithGroup("badger"))).
		WithLoggingLevel(badger.WARNING).
		WithMemTableSize(16 << 20) // 16MB MemTableSize

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	seq, err := db.GetSequence([]byte(idSequenceKey), idSequenceBand)
	if err != nil {
		db.Close()
		return nil, &ErrInternal{Err: err}
	}

	return &Store{
		logger: cfg.Logger.WithGroup("store"),
		db:     db,
		seq:    seq,
	}, nil
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Error("failed to release id sequence", "error", err)
	}
	return s.db.Close()
}

func snippetKey(id string) []byte {
	return []byte(snippetKeyPrefix + id)
}

// Create stores a new snippet and returns it with its assigned id.
func (s *Store) Create(ctx context.Context, owner string, in models.SnippetInput) (*models.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next, err := s.seq.Next()
	if err != nil {
		return nil, &ErrInternal{Err: errors.Wrap(err, "id sequence")}
	}

	snippet := &models.Snippet{
		ID:      strconv.FormatUint(next+1, 10),
		Title:   in.Title,
		Body:    in.Body,
		Owner:   owner,
		Private: in.Private,
		Created: time.Now().UTC(),
	}

	value, err := json.Marshal(snippet)
	if err != nil {
		return nil, &ErrInternal{Err: errors.Wrap(err, "marshal snippet")}
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snippetKey(snippet.ID), value)
	})
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	s.logger.Debug("snippet created", "id", snippet.ID, "owner", owner)
	return snippet, nil
}

// Update overwrites the mutable fields of an existing snippet and returns
// the new state.
func (s *Store) Update(ctx context.Context, id string, in models.SnippetInput) (*models.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *models.Snippet
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := getSnippet(txn, id)
		if err != nil {
			return err
		}
		current.Title = in.Title
		current.Body = in.Body
		current.Private = in.Private

		value, err := json.Marshal(current)
		if err != nil {
			return &ErrInternal{Err: errors.Wrap(err, "marshal snippet")}
		}
		if err := txn.Set(snippetKey(id), value); err != nil {
			return &ErrInternal{Err: err}
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("snippet updated", "id", id)
	return updated, nil
}

// Delete removes a snippet and returns the state it had just before
// deletion, so callers can broadcast a pre-delete snapshot.
func (s *Store) Delete(ctx context.Context, id string) (*models.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snapshot *models.Snippet
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := getSnippet(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(snippetKey(id)); err != nil {
			return &ErrInternal{Err: err}
		}
		snapshot = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("snippet deleted", "id", id)
	return snapshot, nil
}

// Get returns one snippet by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snippet *models.Snippet
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getSnippet(txn, id)
		if err != nil {
			return err
		}
		snippet = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snippet, nil
}

// List returns every stored snippet. The tutorial-scale data set does not
// warrant pagination.
func (s *Store) List(ctx context.Context) ([]*models.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snippets []*models.Snippet
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(snippetKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var snippet models.Snippet
				if err := json.Unmarshal(value, &snippet); err != nil {
					return &ErrInternal{Err: errors.Wrap(err, "unmarshal snippet")}
				}
				snippets = append(snippets, &snippet)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snippets, nil
}

func getSnippet(txn *badger.Txn, id string) (*models.Snippet, error) {
	item, err := txn.Get(snippetKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &ErrSnippetNotFound{ID: id}
		}
		return nil, &ErrInternal{Err: err}
	}

	var snippet models.Snippet
	err = item.Value(func(value []byte) error {
		return json.Unmarshal(value, &snippet)
	})
	if err != nil {
		return nil, &ErrInternal{Err: errors.Wrap(err, "unmarshal snippet")}
	}
	return &snippet, nil
}
