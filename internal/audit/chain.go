// Package audit maintains the per-document, hash-chained audit trail.
package audit

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"golang.org/x/crypto/blake2b"
)

// Append links rec to the document's chain and stores it. Callers hold the document row lock,
// which serializes appends per document.
func Append(ctx context.Context, repo repository.AuditRepository, rec model.AuditRecord) (model.AuditRecord, error) {
	prev, err := repo.LastHash(ctx, rec.DocumentID)
	if err != nil {
		return model.AuditRecord{}, fmt.Errorf("audit: last hash: %w", err)
	}
	rec.PrevHash = prev
	rec.Hash = Hash(prev, rec)
	if err := repo.Append(ctx, rec); err != nil {
		return model.AuditRecord{}, fmt.Errorf("audit: append: %w", err)
	}
	return rec, nil
}

// Hash computes blake2b-256(prev || canonical(rec)). Seq, PrevHash and Hash are not part of the record body.
func Hash(prev []byte, rec model.AuditRecord) []byte {
	h, _ := blake2b.New256(nil)
	h.Write(prev)
	writeField(h, rec.DocumentID.Bytes())
	writeField(h, []byte(rec.Action))
	writeField(h, rec.ActorID.Bytes())
	writeField(h, []byte(rec.Detail))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(rec.At.UTC().UnixNano()))
	writeField(h, ts[:])
	return h.Sum(nil)
}

func writeField(w interface{ Write([]byte) (int, error) }, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(b)
}

// BrokenLinkError reports the first record whose linkage or hash does not verify.
type BrokenLinkError struct {
	Index int
	Seq   int64
}

func (e *BrokenLinkError) Error() string {
	return fmt.Sprintf("audit: chain broken at record %d (seq %d)", e.Index, e.Seq)
}

// Verify recomputes the chain of one document, records in append order.
func Verify(records []model.AuditRecord) error {
	var prev []byte
	for i, r := range records {
		if !bytes.Equal(r.PrevHash, prev) || !bytes.Equal(r.Hash, Hash(prev, r)) {
			return &BrokenLinkError{Index: i, Seq: r.Seq}
		}
		prev = r.Hash
	}
	return nil
}
