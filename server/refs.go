package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	contextstore "github.com/wolfeidau/context-store"
	"github.com/wolfeidau/context-store/store"
	"github.com/wolfeidau/context-store/store/meta"
)

// Inspector looks up single records and blobs. A StatsSource that also
// implements Inspector gets the /refs/{ref} route.
type Inspector interface {
	Metadata(id contextstore.Hash) (meta.Record, error)
	Blob(h contextstore.Hash) (store.BlobInfo, bool)
}

type refResponse struct {
	Ref            string            `json:"ref"`
	Size           int64             `json:"size"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt *time.Time        `json:"last_accessed_at,omitempty"`
	AccessCount    int64             `json:"access_count,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	TTLExpiry      *time.Time        `json:"ttl_expiry,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	Tier           store.Tier        `json:"tier,omitempty"`
	MimeType       string            `json:"mime_type,omitempty"`
	RefCount       int               `json:"ref_count,omitempty"`
}

// handleRef reports metadata for "ctx:<hex>", "blob:<hex>" or a bare record id.
func (s *Server) handleRef(insp Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := contextstore.ParseRef(r.PathValue("ref"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		resp := refResponse{Ref: ref.String()}
		switch ref.Kind {
		case contextstore.RefBlob:
			info, ok := insp.Blob(ref.Hash)
			if !ok {
				writeError(w, http.StatusNotFound, "blob not found")
				return
			}
			resp.Size = info.Size
			resp.CreatedAt = info.CreatedAt
			resp.Tier = info.Tier
			resp.MimeType = info.MimeType
			resp.RefCount = info.RefCount
		default:
			rec, err := insp.Metadata(ref.Hash)
			if errors.Is(err, contextstore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "record not found")
				return
			}
			if err != nil {
				s.logger.Warn("failed to read record metadata", "ref", ref.String(), "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			resp.Size = rec.Size
			resp.CreatedAt = rec.CreatedAt
			resp.LastAccessedAt = &rec.LastAccessedAt
			resp.AccessCount = rec.AccessCount
			resp.Priority = rec.Priority
			resp.Tags = rec.Tags
			if !rec.TTLExpiry.IsZero() {
				resp.TTLExpiry = &rec.TTLExpiry
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Warn("failed to encode ref", "error", err)
		}
	}
}
