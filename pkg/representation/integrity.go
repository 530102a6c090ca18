package representation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
)

// Describe captures the integrity metadata of a fetched payload: SHA-256
// checksum, byte size and mimetype. Recorded on the exchange at provider
// export time for consumer-side validation.
func Describe(body []byte, contentType string) models.PayloadData {
	sum := sha256.Sum256(body)
	return models.PayloadData{
		Mimetype: normalizeMimetype(contentType),
		Checksum: hex.EncodeToString(sum[:]),
		Size:     int64(len(body)),
	}
}

// Validate checks a payload against previously recorded integrity
// metadata. Any mismatch is fatal to the current hop.
func Validate(body []byte, declared models.PayloadData) error {
	if declared.Size > 0 && int64(len(body)) != declared.Size {
		return fmt.Errorf("payload size mismatch: got %d, recorded %d", len(body), declared.Size)
	}
	if declared.Checksum != "" {
		sum := sha256.Sum256(body)
		if hex.EncodeToString(sum[:]) != declared.Checksum {
			return fmt.Errorf("payload checksum mismatch")
		}
	}
	return nil
}

// CheckContentType fails when the observed content type contradicts the
// declared mimetype.
func CheckContentType(observed, declared string) error {
	observed = normalizeMimetype(observed)
	declared = normalizeMimetype(declared)
	if observed == "" || declared == "" {
		return nil
	}
	if observed != declared {
		return fmt.Errorf("content type mismatch: got %q, declared %q", observed, declared)
	}
	return nil
}

// IsJSON reports whether a mimetype carries JSON. JSON payloads skip the
// checksum side-channel; their bytes are not stable across re-encoding.
func IsJSON(mimetype string) bool {
	mt := normalizeMimetype(mimetype)
	return mt == "" || mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func normalizeMimetype(raw string) string {
	mt := strings.TrimSpace(strings.ToLower(raw))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}
