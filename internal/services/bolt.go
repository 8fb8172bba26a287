package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/mardata-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB archives notebooks and their settled transcripts in a local BoltDB file, so history stays
// readable without a connection to the backend.
type BoltDB struct {
	db *bolt.DB
}

var notebooksBucket = []byte("notebooks")

// NewBoltDB opens the archive at path, creating it with 0600 permissions if it doesn't exist. It fails
// after a second if another process holds the file.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(notebooksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to initialize bolt db: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(notebookID string) []byte {
	return []byte(fmt.Sprintf("notebook-%s", notebookID))
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Notebooks returns every archived notebook, most recently updated first.
func (b BoltDB) Notebooks(context.Context) ([]models.Notebook, error) {
	var notebooks []models.Notebook
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(notebooksBucket).ForEach(func(_, v []byte) error {
			var nb models.Notebook
			if err := json.Unmarshal(v, &nb); err != nil {
				return fmt.Errorf("failed to unmarshal notebook: %w", err)
			}
			notebooks = append(notebooks, nb)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(notebooks, func(a, b models.Notebook) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return notebooks, nil
}

// SaveTranscript stores notebook and replaces its archived messages with messages. Progress lines are
// transient and not archived.
func (b BoltDB) SaveTranscript(_ context.Context, notebook models.Notebook, messages []models.Message) error {
	if notebook.ID == "" {
		return errors.New("notebook id is required")
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		v, err := json.Marshal(notebook)
		if err != nil {
			return fmt.Errorf("failed to marshal notebook: %w", err)
		}
		if err := tx.Bucket(notebooksBucket).Put([]byte(notebook.ID), v); err != nil {
			return err
		}

		name := messageBucketName(notebook.ID)
		if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to reset message bucket: %w", err)
		}
		mb, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		for _, msg := range messages {
			if msg.Kind == models.KindProgress {
				continue
			}
			seq, err := mb.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			v, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := mb.Put(sequenceKey(seq), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Notebook returns the archived notebook with the given ID.
func (b BoltDB) Notebook(_ context.Context, notebookID string) (models.Notebook, bool, error) {
	var nb models.Notebook
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(notebooksBucket).Get([]byte(notebookID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &nb)
	})
	if err != nil {
		return models.Notebook{}, false, fmt.Errorf("failed to read notebook: %w", err)
	}
	return nb, found, nil
}

// Messages returns the archived transcript of notebookID in its original order.
func (b BoltDB) Messages(_ context.Context, notebookID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(messageBucketName(notebookID))
		if mb == nil {
			return nil
		}

		return mb.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// DeleteNotebook removes a notebook and its messages. Deleting an unknown notebook is not an error.
func (b BoltDB) DeleteNotebook(_ context.Context, notebookID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(notebooksBucket).Delete([]byte(notebookID)); err != nil {
			return err
		}
		err := tx.DeleteBucket(messageBucketName(notebookID))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
}
