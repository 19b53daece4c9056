package devd

import (
	"encoding/json"
	"net/http"

	"kachery/pkg/core"
	"kachery/pkg/daemon"

	"gorm.io/datatypes"
)

// keyHash digests the canonical form of a JSON key, so {"a":1,"b":2} and
// {"b":2,"a":1} name the same record.
func keyHash(key json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(key, &v); err != nil {
		return "", err
	}
	h, err := core.SumObject(v)
	return h.String(), err
}

func (s *Server) handleMutableSet(w http.ResponseWriter, r *http.Request) {
	var req daemon.MutableRequest
	if !decode(w, r, &req) {
		return
	}
	kh, err := keyHash(req.Key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.repo.SetMutable(r.Context(), kh, datatypes.JSON(req.Key), datatypes.JSON(req.Value)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, ok())
}

func (s *Server) handleMutableGet(w http.ResponseWriter, r *http.Request) {
	var req daemon.MutableRequest
	if !decode(w, r, &req) {
		return
	}
	kh, err := keyHash(req.Key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.repo.GetMutable(r.Context(), kh)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if m == nil {
		writeJSON(w, daemon.MutableGetResponse{Reply: ok()})
		return
	}
	writeJSON(w, daemon.MutableGetResponse{Reply: ok(), Found: true, Value: json.RawMessage(m.Value)})
}

func (s *Server) handleMutableDelete(w http.ResponseWriter, r *http.Request) {
	var req daemon.MutableRequest
	if !decode(w, r, &req) {
		return
	}
	kh, err := keyHash(req.Key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.repo.DeleteMutable(r.Context(), kh); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, ok())
}
