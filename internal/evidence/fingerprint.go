package evidence

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/google/uuid"
)

// Fingerprint derives the stable deduplication key for an evidence item from
// the source URL and the resolved entity ids. Optional ids contribute an
// empty string, so actor-only items still fingerprint deterministically.
func Fingerprint(sourceURL string, actorID uuid.UUID, industryID, techniqueID *uuid.UUID) string {
	sum := md5.Sum([]byte(sourceURL + actorID.String() + idOrEmpty(industryID) + idOrEmpty(techniqueID)))
	return hex.EncodeToString(sum[:])
}

func idOrEmpty(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
