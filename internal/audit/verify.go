package audit

import (
	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/domain"
)

const (
	ReasonIndexOutOfSequence = "index_out_of_sequence"
	ReasonPayloadHash        = "payload_hash_mismatch"
	ReasonBlockHash          = "block_hash_mismatch"
	ReasonPreviousHash       = "previous_hash_mismatch"
)

// Verify walks blocks from genesis and reports the first corrupted index. It performs no I/O;
// blocks must be ordered by index.
func Verify(groupID uuid.UUID, blocks []domain.AuditBlock) domain.IntegrityReport {
	report := domain.IntegrityReport{GroupID: groupID, Valid: true, BlockCount: len(blocks)}

	corrupt := func(index int64, reason string) domain.IntegrityReport {
		report.Valid = false
		report.CorruptAt = &index
		report.Reason = reason
		report.HeadHash = ""
		return report
	}

	expectedPrevious := domain.GenesisPreviousHash
	for i := range blocks {
		block := &blocks[i]
		if block.Index != int64(i) {
			return corrupt(int64(i), ReasonIndexOutOfSequence)
		}
		if PayloadHash(block.Payload) != block.PayloadHash {
			return corrupt(block.Index, ReasonPayloadHash)
		}
		if block.PreviousHash != expectedPrevious {
			return corrupt(block.Index, ReasonPreviousHash)
		}
		recomputed := recomputeHash(block)
		if recomputed != block.Hash {
			return corrupt(block.Index, ReasonBlockHash)
		}
		expectedPrevious = recomputed
	}

	if len(blocks) > 0 {
		report.HeadHash = blocks[len(blocks)-1].Hash
	}
	return report
}

// CorruptionError converts an invalid report into the typed integrity error.
func CorruptionError(report domain.IntegrityReport) error {
	if report.Valid || report.CorruptAt == nil {
		return nil
	}
	return &domain.ChainCorruptionError{GroupID: report.GroupID, Index: *report.CorruptAt, Reason: report.Reason}
}
