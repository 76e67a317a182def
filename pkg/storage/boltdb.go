package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/types"
)

var (
	// Bucket names
	bucketAgents       = []byte("agents")
	bucketJobs         = []byte("jobs")
	bucketJobsByKey    = []byte("jobs_by_key") // idempotencyKey -> jobID
	bucketEvents       = []byte("events")
	bucketCertificates = []byte("certificates")
	bucketRevocations  = []byte("revocations")
	bucketBootstrap    = []byte("bootstrap_token")
	bucketEnrollments  = []byte("enrollments")
	bucketBlocked      = []byte("blocked_nodes")
	bucketDeadLetter   = []byte("deadletter")
	bucketServerKeys   = []byte("server_keys")
)

// Singleton keys inside single-record buckets.
var (
	keyBootstrapToken = []byte("token")
	keyServerKeys     = []byte("keys")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the colony database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "colony.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAgents,
			bucketJobs,
			bucketJobsByKey,
			bucketEvents,
			bucketCertificates,
			bucketRevocations,
			bucketBootstrap,
			bucketEnrollments,
			bucketBlocked,
			bucketDeadLetter,
			bucketServerKeys,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Agent operations

func (s *BoltStore) PutAgent(ctx context.Context, agent *types.Agent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		return b.Put([]byte(agent.ID), data)
	})
}

func (s *BoltStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var agent types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, errdefs.ErrUnknownAgent)
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) DeleteAgent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.Delete([]byte(id))
	})
}

// Job operations

// CreateJob inserts the job unless its idempotency key already maps to
// a record, in which case the existing record is returned unchanged.
// Both the lookup and the insert happen in one write transaction.
func (s *BoltStore) CreateJob(ctx context.Context, job *types.Job) (*types.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var stored *types.Job
	var existing bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		byKey := tx.Bucket(bucketJobsByKey)

		if job.IdempotencyKey != "" {
			if id := byKey.Get([]byte(job.IdempotencyKey)); id != nil {
				data := jobs.Get(id)
				if data != nil {
					var prior types.Job
					if err := json.Unmarshal(data, &prior); err != nil {
						return err
					}
					stored = &prior
					existing = true
					return nil
				}
				// Dangling index entry; fall through and overwrite.
			}
		}

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := jobs.Put([]byte(job.ID), data); err != nil {
			return err
		}
		if job.IdempotencyKey != "" {
			if err := byKey.Put([]byte(job.IdempotencyKey), []byte(job.ID)); err != nil {
				return err
			}
		}
		stored = job
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, existing, nil
}

func (s *BoltStore) PutJob(ctx context.Context, job *types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, errdefs.ErrUnknownJob)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) GetJobByIdempotencyKey(ctx context.Context, key string) (*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketJobsByKey).Get([]byte(key))
		if id == nil {
			return fmt.Errorf("idempotency key %s: %w", key, errdefs.ErrUnknownJob)
		}
		data := tx.Bucket(bucketJobs).Get(id)
		if data == nil {
			return fmt.Errorf("idempotency key %s: %w", key, errdefs.ErrUnknownJob)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if filter.Matches(&job) {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) AppendDeadLetter(ctx context.Context, dl *types.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetter)
		data, err := json.Marshal(dl)
		if err != nil {
			return err
		}
		return b.Put([]byte(dl.JobID), data)
	})
}

func (s *BoltStore) ListDeadLetters(ctx context.Context) ([]*types.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var letters []*types.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetter)
		return b.ForEach(func(k, v []byte) error {
			var dl types.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return err
			}
			letters = append(letters, &dl)
			return nil
		})
	})
	return letters, err
}

// Event log

// AppendEvent assigns the next monotonic position from the bucket
// sequence and stores the event under its big-endian position key, so
// cursor iteration replays in append order.
func (s *BoltStore) AppendEvent(ctx context.Context, event *types.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var position uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		event.Position = seq
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		position = seq
		return b.Put(positionKey(seq), data)
	})
	if err != nil {
		return 0, err
	}
	return position, nil
}

func (s *BoltStore) RangeEvents(ctx context.Context, from uint64, fn func(*types.Event) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(positionKey(from)); k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if err := fn(&event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) StreamEvents(ctx context.Context, streamID string) ([]*types.Event, error) {
	var events []*types.Event
	err := s.RangeEvents(ctx, 0, func(e *types.Event) error {
		if e.StreamID == streamID {
			events = append(events, e)
		}
		return nil
	})
	return events, err
}

func positionKey(pos uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, pos)
	return key
}

// Bootstrap token (singleton row)

func (s *BoltStore) PutBootstrapToken(ctx context.Context, token *types.BootstrapToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBootstrap)
		data, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return b.Put(keyBootstrapToken, data)
	})
}

func (s *BoltStore) GetBootstrapToken(ctx context.Context) (*types.BootstrapToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var token types.BootstrapToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBootstrap).Get(keyBootstrapToken)
		if data == nil {
			return fmt.Errorf("bootstrap token: %w", errdefs.ErrInvalidToken)
		}
		return json.Unmarshal(data, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// Enrollments

func (s *BoltStore) PutEnrollment(ctx context.Context, req *types.EnrollmentRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return b.Put([]byte(req.ID), data)
	})
}

func (s *BoltStore) GetEnrollment(ctx context.Context, id string) (*types.EnrollmentRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var req types.EnrollmentRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEnrollments).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, errdefs.ErrUnknownEnrollment)
		}
		return json.Unmarshal(data, &req)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *BoltStore) ListEnrollments(ctx context.Context, status types.EnrollmentStatus) ([]*types.EnrollmentRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var reqs []*types.EnrollmentRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		return b.ForEach(func(k, v []byte) error {
			var req types.EnrollmentRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			if status == "" || req.Status == status {
				reqs = append(reqs, &req)
			}
			return nil
		})
	})
	return reqs, err
}

func (s *BoltStore) BlockNode(ctx context.Context, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocked)
		return b.Put([]byte(nodeID), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

func (s *BoltStore) IsNodeBlocked(ctx context.Context, nodeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var blocked bool
	err := s.db.View(func(tx *bolt.Tx) error {
		blocked = tx.Bucket(bucketBlocked).Get([]byte(nodeID)) != nil
		return nil
	})
	return blocked, err
}

// Certificates and server keys

func (s *BoltStore) PutCertificate(ctx context.Context, cert *types.Certificate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data, err := json.Marshal(cert)
		if err != nil {
			return err
		}
		return b.Put([]byte(cert.Serial), data)
	})
}

func (s *BoltStore) GetCertificate(ctx context.Context, serial string) (*types.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cert types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCertificates).Get([]byte(serial))
		if data == nil {
			return fmt.Errorf("certificate %s: %w", serial, errdefs.ErrInvalidToken)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// GetCertificateByNode returns the most recently issued certificate for
// the node, if any.
func (s *BoltStore) GetCertificateByNode(ctx context.Context, nodeID string) (*types.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var found *types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.ForEach(func(k, v []byte) error {
			var cert types.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			if cert.NodeID == nodeID {
				if found == nil || cert.IssuedAt.After(found.IssuedAt) {
					c := cert
					found = &c
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, errdefs.ErrInvalidToken)
	}
	return found, nil
}

func (s *BoltStore) ListCertificates(ctx context.Context) ([]*types.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var certs []*types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.ForEach(func(k, v []byte) error {
			var cert types.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			certs = append(certs, &cert)
			return nil
		})
	})
	return certs, err
}

func (s *BoltStore) SaveServerKeys(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServerKeys).Put(keyServerKeys, data)
	})
}

func (s *BoltStore) GetServerKeys(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketServerKeys).Get(keyServerKeys)
		if v == nil {
			return fmt.Errorf("server keys: %w", errdefs.ErrKeyStoreUnavailable)
		}
		// Copy: BoltDB data is only valid during the transaction
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Revocations

func (s *BoltStore) AddRevocation(ctx context.Context, rev *types.Revocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevocations)
		data, err := json.Marshal(rev)
		if err != nil {
			return err
		}
		return b.Put([]byte(rev.Serial), data)
	})
}

func (s *BoltStore) IsRevoked(ctx context.Context, serial string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var revoked bool
	err := s.db.View(func(tx *bolt.Tx) error {
		revoked = tx.Bucket(bucketRevocations).Get([]byte(serial)) != nil
		return nil
	})
	return revoked, err
}

func (s *BoltStore) ListRevocations(ctx context.Context) ([]*types.Revocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var revs []*types.Revocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevocations)
		return b.ForEach(func(k, v []byte) error {
			var rev types.Revocation
			if err := json.Unmarshal(v, &rev); err != nil {
				return err
			}
			revs = append(revs, &rev)
			return nil
		})
	})
	return revs, err
}
