package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/cluster"
	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
	"github.com/ethpandaops/gatekeeper/pkg/storage"
	"github.com/go-chi/chi/v5"
)

// --- Servers ---

type serversResponse struct {
	Master  string           `json:"master"`
	Servers []cluster.Server `json:"servers"`
}

// handleListServers returns the live cluster servers.
func (s *server) handleListServers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	writeJSON(w, http.StatusOK, serversResponse{
		Master:  s.cluster.MasterHost(),
		Servers: s.cluster.List(),
	})
}

// handleGetServer returns one cluster server.
func (s *server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	id := chi.URLParam(r, "id")

	srv, ok := s.cluster.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, codeServer, "Server not found: "+id)

		return
	}

	writeJSON(w, http.StatusOK, srv)
}

// --- Tags ---

const tagsPrefix = "global/tags"

type tag struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username"`
	Created  int64  `json:"created"`
}

// handleListTags returns all tags.
func (s *server) handleListTags(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	offset, limit := parsePage(r)

	keys, err := s.storage.ListFind(r.Context(), tagsPrefix, storage.ListOptions{
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		s.internalError(w, err, "Failed to list tags")

		return
	}

	tags := make([]tag, 0, len(keys))

	for _, key := range keys {
		data, err := s.storage.Get(r.Context(), key)
		if err != nil {
			if isNotFound(err) {
				continue
			}

			s.internalError(w, err, "Failed to load tag")

			return
		}

		var t tag
		if err := json.Unmarshal(data, &t); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("Skipping malformed tag")

			continue
		}

		tags = append(tags, t)
	}

	writeJSON(w, http.StatusOK, tags)
}

type createTagRequest struct {
	Title string `json:"title" validate:"required,max=255"`
}

// handleCreateTag creates a tag. Requires create_tags.
func (s *server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, privilege.CreateTags)
	if !ok {
		return
	}

	var req createTagRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

		return
	}

	t := tag{
		ID:       credstore.NewID(),
		Title:    req.Title,
		Username: principal.Username(),
		Created:  time.Now().Unix(),
	}

	data, err := json.Marshal(t)
	if err != nil {
		s.internalError(w, err, "Failed to encode tag")

		return
	}

	if err := s.storage.Put(r.Context(), tagsPrefix+"/"+t.ID, data); err != nil {
		s.internalError(w, err, "Failed to create tag")

		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// handleDeleteTag deletes a tag. Requires delete_tags; the privilege is
// checked before the tag is looked up, so a missing tag is only reported
// to principals allowed to delete it.
func (s *server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, privilege.DeleteTags); !ok {
		return
	}

	id := chi.URLParam(r, "id")

	if !credstore.ValidID(id) {
		writeError(w, http.StatusNotFound, codeTag, "Tag not found: "+id)

		return
	}

	if err := s.storage.Delete(r.Context(), tagsPrefix+"/"+id); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, codeTag, "Tag not found: "+id)

			return
		}

		s.internalError(w, err, "Failed to delete tag")

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
