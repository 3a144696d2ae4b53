// Package bolt stores sessions and datasets in a single bbolt file.
package bolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/ports"
	"github.com/bytedance/sonic"
	bolt "go.etcd.io/bbolt"
)

// FileName is the database file created under the storage root.
const FileName = "vault.boltdb"

const (
	dataFileMode = 0o600
	dataDirMode  = 0o700
	openTimeout  = time.Second
	sessionKeyNS = "session:"
)

var (
	bucketSessions = []byte("sessions")
	bucketSubdirs  = []byte("subdirs")
	bucketDatasets = []byte("datasets")
	bucketRows     = []byte("rows")
	bucketComments = []byte("comments")
	keyMeta        = []byte("meta")
	keyParams      = []byte("params")
)

// Layout:
//
//	sessions/<session:path>/meta            session record
//	sessions/<session:path>/subdirs/<name>
//	sessions/<session:path>/datasets/<name>/meta
//	sessions/<session:path>/datasets/<name>/params
//	sessions/<session:path>/datasets/<name>/rows/<seq>
//	sessions/<session:path>/datasets/<name>/comments/<seq>
//
// Sequence keys are big-endian so cursor order is insertion order.
type Repository struct {
	db   *bolt.DB
	path string
}

var _ ports.Repository = (*Repository)(nil)

type sessionRecord struct {
	Path        []string            `json:"path"`
	Counter     int                 `json:"counter"`
	DirTags     map[string][]string `json:"dir_tags,omitempty"`
	DatasetTags map[string][]string `json:"dataset_tags,omitempty"`
}

type datasetRecord struct {
	Name         string               `json:"name"`
	Title        string               `json:"title"`
	Number       int                  `json:"number"`
	Created      time.Time            `json:"created"`
	Independents []domain.Independent `json:"independents"`
	Dependents   []domain.Dependent   `json:"dependents"`
}

type parameterRecord struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Open opens (creating if needed) the database at path. Only one process
// may hold it; a second Open waits up to a second and then fails.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bolt database path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), dataDirMode); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := bolt.Open(path, dataFileMode, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}

	return &Repository{db: db, path: path}, nil
}

func (r *Repository) Path() string {
	return r.path
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) SessionExists(ctx context.Context, path domain.Path) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var exists bool
	err := r.db.View(func(tx *bolt.Tx) error {
		exists = sessionBucket(tx, path) != nil
		return nil
	})
	return exists, err
}

func (r *Repository) LoadSession(ctx context.Context, path domain.Path) (domain.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionState{}, err
	}

	var state domain.SessionState
	err := r.db.View(func(tx *bolt.Tx) error {
		bucket, err := requireSession(tx, path)
		if err != nil {
			return err
		}
		record, err := readSessionRecord(bucket)
		if err != nil {
			return err
		}

		state = domain.SessionState{
			Path:        path.Clone(),
			Counter:     record.Counter,
			DirTags:     record.DirTags,
			DatasetTags: record.DatasetTags,
		}
		state.Subdirs = bucketKeys(bucket.Bucket(bucketSubdirs))
		state.Datasets = bucketKeys(bucket.Bucket(bucketDatasets))
		return nil
	})
	return state, err
}

func (r *Repository) CreateSession(ctx context.Context, state domain.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		if sessionBucket(tx, state.Path) != nil {
			return fmt.Errorf("%w: %q", domain.ErrDirectoryExists, state.Path.String())
		}
		if !state.Path.IsRoot() {
			parent, err := requireSession(tx, state.Path.Parent())
			if err != nil {
				return err
			}
			name := []byte(state.Path.Name())
			if err := parent.Bucket(bucketSubdirs).Put(name, name); err != nil {
				return fmt.Errorf("link session: %w", err)
			}
		}

		bucket, err := tx.Bucket(bucketSessions).CreateBucket(sessionKey(state.Path))
		if err != nil {
			return fmt.Errorf("create session bucket: %w", err)
		}
		for _, name := range [][]byte{bucketSubdirs, bucketDatasets} {
			if _, err := bucket.CreateBucket(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}

		return writeSessionRecord(bucket, sessionRecord{
			Path:        state.Path.Clone(),
			Counter:     max(state.Counter, 1),
			DirTags:     state.DirTags,
			DatasetTags: state.DatasetTags,
		})
	})
}

func (r *Repository) SaveSession(ctx context.Context, state domain.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := requireSession(tx, state.Path)
		if err != nil {
			return err
		}
		record, err := readSessionRecord(bucket)
		if err != nil {
			return err
		}
		record.Counter = max(record.Counter, state.Counter)
		record.DirTags = state.DirTags
		record.DatasetTags = state.DatasetTags
		return writeSessionRecord(bucket, record)
	})
}

func (r *Repository) ListSessions(ctx context.Context) ([]domain.Path, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var paths []domain.Path
	err := r.db.View(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		return sessions.ForEach(func(key, value []byte) error {
			if value != nil {
				return nil
			}
			record, err := readSessionRecord(sessions.Bucket(key))
			if err != nil {
				return err
			}
			paths = append(paths, domain.Path(record.Path).Clone())
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	slices.SortFunc(paths, func(a, b domain.Path) int {
		return strings.Compare(a.String(), b.String())
	})
	return paths, nil
}

func (r *Repository) CreateDataset(ctx context.Context, path domain.Path, meta domain.DatasetMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		session, err := requireSession(tx, path)
		if err != nil {
			return err
		}

		datasets := session.Bucket(bucketDatasets)
		if datasets.Bucket([]byte(meta.Name)) != nil {
			return fmt.Errorf("%w: dataset %q already exists in %q", domain.ErrDatasetNameInvalid, meta.Name, path.String())
		}
		bucket, err := datasets.CreateBucket([]byte(meta.Name))
		if err != nil {
			return fmt.Errorf("create dataset bucket: %w", err)
		}
		for _, name := range [][]byte{bucketRows, bucketComments} {
			if _, err := bucket.CreateBucket(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}

		if err := putJSON(bucket, keyMeta, datasetRecord{
			Name:         meta.Name,
			Title:        meta.Title,
			Number:       meta.Number,
			Created:      meta.Created,
			Independents: meta.Independents,
			Dependents:   meta.Dependents,
		}); err != nil {
			return err
		}

		record, err := readSessionRecord(session)
		if err != nil {
			return err
		}
		if meta.Number >= record.Counter {
			record.Counter = meta.Number + 1
			return writeSessionRecord(session, record)
		}
		return nil
	})
}

func (r *Repository) LoadDataset(ctx context.Context, path domain.Path, name string) (domain.DatasetState, error) {
	if err := ctx.Err(); err != nil {
		return domain.DatasetState{}, err
	}

	var state domain.DatasetState
	err := r.db.View(func(tx *bolt.Tx) error {
		bucket, err := requireDataset(tx, path, name)
		if err != nil {
			return err
		}

		var record datasetRecord
		if err := getJSON(bucket, keyMeta, &record); err != nil {
			return err
		}
		state.Meta = domain.DatasetMeta{
			Name:         record.Name,
			Title:        record.Title,
			Number:       record.Number,
			Created:      record.Created,
			Independents: record.Independents,
			Dependents:   record.Dependents,
		}

		var params []parameterRecord
		if bucket.Get(keyParams) != nil {
			if err := getJSON(bucket, keyParams, &params); err != nil {
				return err
			}
		}
		for _, param := range params {
			state.Parameters = append(state.Parameters, domain.Parameter{Name: param.Name, Value: param.Value})
		}

		err = bucket.Bucket(bucketRows).ForEach(func(_, value []byte) error {
			row, err := decodeRow(value)
			if err != nil {
				return err
			}
			state.Rows = append(state.Rows, row)
			return nil
		})
		if err != nil {
			return fmt.Errorf("read rows: %w", err)
		}

		return bucket.Bucket(bucketComments).ForEach(func(_, value []byte) error {
			var comment domain.Comment
			if err := sonic.Unmarshal(value, &comment); err != nil {
				return fmt.Errorf("decode comment: %w", err)
			}
			state.Comments = append(state.Comments, comment)
			return nil
		})
	})
	return state, err
}

func (r *Repository) AppendRows(ctx context.Context, path domain.Path, name string, rows []domain.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := requireDataset(tx, path, name)
		if err != nil {
			return err
		}
		rowsBucket := bucket.Bucket(bucketRows)
		for _, row := range rows {
			seq, err := rowsBucket.NextSequence()
			if err != nil {
				return fmt.Errorf("next row sequence: %w", err)
			}
			if err := rowsBucket.Put(itob(seq), encodeRow(row)); err != nil {
				return fmt.Errorf("put row: %w", err)
			}
		}
		return nil
	})
}

func (r *Repository) SaveParameters(ctx context.Context, path domain.Path, name string, params []domain.Parameter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	records := make([]parameterRecord, 0, len(params))
	for _, param := range params {
		records = append(records, parameterRecord{Name: param.Name, Value: param.Value})
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := requireDataset(tx, path, name)
		if err != nil {
			return err
		}
		return putJSON(bucket, keyParams, records)
	})
}

func (r *Repository) AppendComment(ctx context.Context, path domain.Path, name string, comment domain.Comment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded, err := sonic.Marshal(comment)
	if err != nil {
		return fmt.Errorf("encode comment: %w", err)
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := requireDataset(tx, path, name)
		if err != nil {
			return err
		}
		comments := bucket.Bucket(bucketComments)
		seq, err := comments.NextSequence()
		if err != nil {
			return fmt.Errorf("next comment sequence: %w", err)
		}
		return comments.Put(itob(seq), encoded)
	})
}

func sessionKey(path domain.Path) []byte {
	return []byte(sessionKeyNS + path.Key())
}

func sessionBucket(tx *bolt.Tx, path domain.Path) *bolt.Bucket {
	return tx.Bucket(bucketSessions).Bucket(sessionKey(path))
}

func requireSession(tx *bolt.Tx, path domain.Path) (*bolt.Bucket, error) {
	bucket := sessionBucket(tx, path)
	if bucket == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrSessionNotFound, path.String())
	}
	return bucket, nil
}

func requireDataset(tx *bolt.Tx, path domain.Path, name string) (*bolt.Bucket, error) {
	session, err := requireSession(tx, path)
	if err != nil {
		return nil, err
	}
	bucket := session.Bucket(bucketDatasets).Bucket([]byte(name))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %q in %q", domain.ErrDatasetNotFound, name, path.String())
	}
	return bucket, nil
}

func readSessionRecord(bucket *bolt.Bucket) (sessionRecord, error) {
	var record sessionRecord
	if err := getJSON(bucket, keyMeta, &record); err != nil {
		return sessionRecord{}, err
	}
	return record, nil
}

func writeSessionRecord(bucket *bolt.Bucket, record sessionRecord) error {
	return putJSON(bucket, keyMeta, record)
}

func putJSON(bucket *bolt.Bucket, key []byte, value any) error {
	encoded, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := bucket.Put(key, encoded); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func getJSON(bucket *bolt.Bucket, key []byte, out any) error {
	raw := bucket.Get(key)
	if raw == nil {
		return fmt.Errorf("missing %s record", key)
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func bucketKeys(bucket *bolt.Bucket) []string {
	if bucket == nil {
		return nil
	}
	var keys []string
	_ = bucket.ForEach(func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	return keys
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// encodeRow stores each value as its IEEE 754 bits so rows read back
// bit-exact.
func encodeRow(row domain.Row) []byte {
	b := make([]byte, 8*len(row))
	for i, value := range row {
		binary.BigEndian.PutUint64(b[8*i:], math.Float64bits(value))
	}
	return b
}

func decodeRow(b []byte) (domain.Row, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("row record of %d bytes", len(b))
	}
	row := make(domain.Row, len(b)/8)
	for i := range row {
		row[i] = math.Float64frombits(binary.BigEndian.Uint64(b[8*i:]))
	}
	return row, nil
}
