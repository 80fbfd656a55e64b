package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"parley/internal/types"
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageInvalid  = errors.New("message requires an id and a thread id")
	ErrThreadIDMissing = errors.New("thread id is required")
)

var (
	bucketThreads  = []byte("threads")
	bucketMessages = []byte("messages")
	bucketBySeq    = []byte("by_seq")
	bucketByID     = []byte("by_id")
)

// ThreadStore is the local persistence surface: a soft-deleting thread
// catalog plus per-thread message history in arrival order.
type ThreadStore interface {
	ListThreads(ctx context.Context, includeDeleted bool) ([]*types.Thread, error)
	GetThread(ctx context.Context, id string) (*types.Thread, bool, error)
	PutThread(ctx context.Context, thread *types.Thread) (*types.Thread, error)
	RenameThread(ctx context.Context, id, title string) (*types.Thread, error)
	DeleteThread(ctx context.Context, id string) error
	RestoreThread(ctx context.Context, id string) (*types.Thread, error)
	Messages(ctx context.Context, threadID string) ([]*types.Message, error)
	PutMessage(ctx context.Context, message *types.Message) error
	Close() error
}

type BboltStore struct {
	db *bolt.DB
	mu sync.Mutex
}

func Open(path string) (*BboltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BboltStore{db: db}, nil
}

func initSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketThreads); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
}

func (s *BboltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BboltStore) ListThreads(ctx context.Context, includeDeleted bool) ([]*types.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Thread
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketThreads).ForEach(func(_, value []byte) error {
			var thread types.Thread
			if err := json.Unmarshal(value, &thread); err != nil {
				return err
			}
			if thread.Deleted() && !includeDeleted {
				return nil
			}
			out = append(out, &thread)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Most recently touched first.
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *BboltStore) GetThread(ctx context.Context, id string) (*types.Thread, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, ErrThreadIDMissing
	}
	var thread *types.Thread
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketThreads).Get([]byte(id))
		if value == nil {
			return nil
		}
		thread = &types.Thread{}
		return json.Unmarshal(value, thread)
	})
	if err != nil {
		return nil, false, err
	}
	return thread, thread != nil, nil
}

// PutThread upserts a thread, preserving the stored creation and deletion
// timestamps on update.
func (s *BboltStore) PutThread(ctx context.Context, thread *types.Thread) (*types.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if thread == nil || strings.TrimSpace(thread.ID) == "" {
		return nil, ErrThreadIDMissing
	}
	normalized := *thread
	normalized.ID = strings.TrimSpace(thread.ID)
	if normalized.UpdatedAt.IsZero() {
		normalized.UpdatedAt = time.Now()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketThreads)
		if value := bucket.Get([]byte(normalized.ID)); value != nil {
			var existing types.Thread
			if err := json.Unmarshal(value, &existing); err != nil {
				return err
			}
			normalized.CreatedAt = existing.CreatedAt
			normalized.DeletedAt = existing.DeletedAt
			if strings.TrimSpace(normalized.Title) == "" {
				normalized.Title = existing.Title
			}
		}
		if normalized.CreatedAt.IsZero() {
			normalized.CreatedAt = normalized.UpdatedAt
		}
		encoded, err := json.Marshal(&normalized)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(normalized.ID), encoded)
	})
	if err != nil {
		return nil, err
	}
	return &normalized, nil
}

func (s *BboltStore) RenameThread(ctx context.Context, id, title string) (*types.Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	return s.mutateThread(id, func(thread *types.Thread) {
		thread.Title = title
		thread.UpdatedAt = time.Now()
	})
}

// DeleteThread soft-deletes: the record stays so restore can undo it.
func (s *BboltStore) DeleteThread(ctx context.Context, id string) error {
	_, err := s.mutateThread(id, func(thread *types.Thread) {
		now := time.Now()
		thread.DeletedAt = &now
		thread.UpdatedAt = now
	})
	return err
}

func (s *BboltStore) RestoreThread(ctx context.Context, id string) (*types.Thread, error) {
	return s.mutateThread(id, func(thread *types.Thread) {
		thread.DeletedAt = nil
		thread.UpdatedAt = time.Now()
	})
}

func (s *BboltStore) mutateThread(id string, mutate func(*types.Thread)) (*types.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrThreadIDMissing
	}
	var out *types.Thread
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketThreads)
		value := bucket.Get([]byte(id))
		if value == nil {
			return ErrThreadNotFound
		}
		var thread types.Thread
		if err := json.Unmarshal(value, &thread); err != nil {
			return err
		}
		mutate(&thread)
		encoded, err := json.Marshal(&thread)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(id), encoded); err != nil {
			return err
		}
		out = &thread
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutMessage appends the message to its thread's history, or rewrites it in
// place when the id was seen before. Order of first insertion is preserved,
// which keeps streaming updates from reshuffling the transcript.
func (s *BboltStore) PutMessage(ctx context.Context, message *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if message == nil || strings.TrimSpace(message.ID) == "" || strings.TrimSpace(message.ThreadID) == "" {
		return ErrMessageInvalid
	}
	normalized := message.Clone()
	if normalized.CreatedAt.IsZero() {
		normalized.CreatedAt = time.Now()
	}
	// Live-stream state is never persisted.
	normalized.IsStreaming = false

	encoded, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bySeq, byID, err := messageBuckets(tx, normalized.ThreadID, true)
		if err != nil {
			return err
		}
		seqKey := byID.Get([]byte(normalized.ID))
		if seqKey == nil {
			seq, err := bySeq.NextSequence()
			if err != nil {
				return err
			}
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], seq)
			seqKey = key[:]
			if err := byID.Put([]byte(normalized.ID), seqKey); err != nil {
				return err
			}
		}
		return bySeq.Put(seqKey, encoded)
	})
}

func (s *BboltStore) Messages(ctx context.Context, threadID string) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, ErrThreadIDMissing
	}
	var out []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		bySeq, _, err := messageBuckets(tx, threadID, false)
		if err != nil || bySeq == nil {
			return err
		}
		return bySeq.ForEach(func(_, value []byte) error {
			var message types.Message
			if err := json.Unmarshal(value, &message); err != nil {
				return err
			}
			out = append(out, &message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func messageBuckets(tx *bolt.Tx, threadID string, create bool) (bySeq, byID *bolt.Bucket, err error) {
	root := tx.Bucket(bucketMessages)
	thread := root.Bucket([]byte(threadID))
	if thread == nil {
		if !create {
			return nil, nil, nil
		}
		thread, err = root.CreateBucketIfNotExists([]byte(threadID))
		if err != nil {
			return nil, nil, err
		}
	}
	if create {
		if bySeq, err = thread.CreateBucketIfNotExists(bucketBySeq); err != nil {
			return nil, nil, err
		}
		if byID, err = thread.CreateBucketIfNotExists(bucketByID); err != nil {
			return nil, nil, err
		}
		return bySeq, byID, nil
	}
	return thread.Bucket(bucketBySeq), thread.Bucket(bucketByID), nil
}
