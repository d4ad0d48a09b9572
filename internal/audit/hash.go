package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/transfa/trustgroup-service/internal/domain"
)

// PayloadHash is the hex sha256 of the stored payload bytes.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// BlockHash links a block to its predecessor. Fields are joined with "|"; the timestamp is
// rendered in UTC with RFC3339Nano.
func BlockHash(index int64, previousHash, payloadHash string, timestamp time.Time) string {
	material := strings.Join([]string{
		strconv.FormatInt(index, 10),
		previousHash,
		payloadHash,
		timestamp.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// recomputeHash derives the hash of b from its stored fields, ignoring b.Hash.
func recomputeHash(b *domain.AuditBlock) string {
	return BlockHash(b.Index, b.PreviousHash, b.PayloadHash, b.Timestamp)
}
