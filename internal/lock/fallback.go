package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
	"github.com/RNA4219/Conimgponic-sub000/internal/writer"
)

// record is the persisted fallback lease.
type record struct {
	LeaseID    string    `json:"leaseId"`
	OwnerID    string    `json:"ownerId"`
	Resource   string    `json:"resource"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	TTLMillis  int64     `json:"ttlMillis"`
	Version    int64     `json:"version"`
}

const recordSchemaURL = "https://conimgponic.local/schema/autosave-lease.json"

const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["leaseId", "ownerId", "resource", "acquiredAt", "expiresAt", "ttlMillis", "version"],
  "properties": {
    "leaseId": {"type": "string", "minLength": 1},
    "ownerId": {"type": "string", "minLength": 1},
    "resource": {"type": "string"},
    "acquiredAt": {"type": "string"},
    "expiresAt": {"type": "string"},
    "ttlMillis": {"type": "integer", "minimum": 1},
    "version": {"type": "integer", "minimum": 1}
  }
}`

var (
	recordSchemaOnce sync.Once
	recordSchemaVal  *jsonschema.Schema
	recordSchemaErr  error
)

func parseRecord(raw []byte) (*record, error) {
	recordSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
		if err != nil {
			recordSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(recordSchemaURL, doc); err != nil {
			recordSchemaErr = err
			return
		}
		recordSchemaVal, recordSchemaErr = c.Compile(recordSchemaURL)
	})
	if recordSchemaErr != nil {
		return nil, recordSchemaErr
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if err := recordSchemaVal.Validate(inst); err != nil {
		return nil, err
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// errCorruptRecord marks an unreadable lease record.
type errCorruptRecord struct{ err error }

func (e *errCorruptRecord) Error() string { return "lock: corrupt lease record: " + e.err.Error() }
func (e *errCorruptRecord) Unwrap() error { return e.err }

// fallback keeps the lease as a JSON record at a well-known storage path.
type fallback struct {
	store  storage.Adapter
	writer *writer.Writer
	path   string
	now    func() time.Time
}

func (f *fallback) read(ctx context.Context) (*record, error) {
	raw, err := f.store.Read(ctx, f.path)
	if err != nil {
		return nil, err
	}
	r, err := parseRecord(raw)
	if err != nil {
		return nil, &errCorruptRecord{err: err}
	}
	return r, nil
}

func (f *fallback) write(ctx context.Context, r *record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return f.writer.WriteFile(ctx, f.path, raw)
}

// acquire writes a new record unless a live record of another owner exists.
// warn is called when an unreadable record is overwritten.
func (f *fallback) acquire(ctx context.Context, resource, ownerID string, ttl time.Duration, warn func(string, error)) (*record, error) {
	now := f.now()
	cur, err := f.read(ctx)
	var version int64
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		var corrupt *errCorruptRecord
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		warn("corrupt-record-overwritten", err)
	default:
		// Liveness is judged on this host's clock against the writer's
		// ExpiresAt. Skew between hosts can make a stale record look live
		// or a live one look expired.
		if cur.ExpiresAt.After(now) && cur.OwnerID != ownerID {
			return nil, fmt.Errorf("%w: owner %s until %s", ErrHeld, cur.OwnerID, cur.ExpiresAt.Format(time.RFC3339Nano))
		}
		version = cur.Version
	}

	next := &record{
		LeaseID:    uuid.NewString(),
		OwnerID:    ownerID,
		Resource:   resource,
		AcquiredAt: now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
		TTLMillis:  ttl.Milliseconds(),
		Version:    version + 1,
	}
	if err := f.write(ctx, next); err != nil {
		return nil, err
	}

	// Last write wins: if another owner wrote after us, they have it.
	back, err := f.read(ctx)
	if err != nil {
		return nil, err
	}
	if back.LeaseID != next.LeaseID {
		return nil, fmt.Errorf("%w: lost write race to %s", ErrHeld, back.OwnerID)
	}
	return next, nil
}

func (f *fallback) renew(ctx context.Context, leaseID string, ttl time.Duration) (*record, error) {
	cur, err := f.read(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: lease record vanished", ErrLeaseLost)
	}
	var corrupt *errCorruptRecord
	if errors.As(err, &corrupt) {
		return nil, fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if err != nil {
		return nil, err
	}
	if cur.LeaseID != leaseID {
		return nil, fmt.Errorf("%w: record now belongs to %s", ErrLeaseLost, cur.OwnerID)
	}

	next := *cur
	next.ExpiresAt = f.now().Add(ttl).UTC()
	next.TTLMillis = ttl.Milliseconds()
	next.Version++
	if err := f.write(ctx, &next); err != nil {
		return nil, err
	}
	back, err := f.read(ctx)
	if err != nil {
		return nil, err
	}
	if back.LeaseID != leaseID {
		return nil, fmt.Errorf("%w: overwritten during renew by %s", ErrLeaseLost, back.OwnerID)
	}
	return &next, nil
}

// release deletes the record if it is still ours. With force it also
// removes our owner's stale records and expired records of other owners.
func (f *fallback) release(ctx context.Context, leaseID, ownerID string, force bool) (bool, error) {
	cur, err := f.read(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	var corrupt *errCorruptRecord
	if errors.As(err, &corrupt) {
		if !force {
			return false, nil
		}
	} else if err != nil {
		return false, err
	} else {
		mine := cur.LeaseID == leaseID && leaseID != ""
		if !mine && !force {
			return false, nil
		}
		if !mine && force && cur.OwnerID != ownerID && cur.ExpiresAt.After(f.now()) {
			return false, nil
		}
	}
	if err := f.store.Delete(ctx, f.path); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	return true, nil
}
