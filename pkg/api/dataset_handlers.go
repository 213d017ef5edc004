package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/strata-lab/strata/pkg/types"
)

// handleGetDataset resolves any of the four identifier forms. Public
// datasets are readable anonymously; everything else requires ownership
// or team membership.
func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	ownerHint := ""
	if user != nil {
		ownerHint = user.Email
	}

	ds, err := s.resolver.Resolve(chi.URLParam(r, "identifier"), ownerHint)
	if err != nil {
		writeError(w, err)
		return
	}

	if !canRead(user, ds) {
		// Hide existence from strangers
		writeError(w, types.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// handleListDatasets lists the caller's datasets, optionally filtered by
// status.
func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	datasets, err := s.store.ListDatasetsByOwner(user.Email)
	if err != nil {
		writeError(w, err)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := datasets[:0]
		for _, ds := range datasets {
			if string(ds.Status) == status {
				filtered = append(filtered, ds)
			}
		}
		datasets = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"datasets": datasets,
		"count":    len(datasets),
	})
}

// handleDeleteDataset soft-deletes a dataset on explicit owner request
func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	ds, err := s.resolver.Resolve(chi.URLParam(r, "identifier"), user.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	if ds.OwnerEmail != user.Email {
		writeError(w, types.ErrForbidden)
		return
	}

	if err := s.store.SoftDeleteDataset(ds.UUID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// canRead enforces the owner/team/public read flags
func canRead(user *types.UserProfile, ds *types.Dataset) bool {
	if ds.IsPublic == types.VisibilityPublic {
		return true
	}
	if user == nil {
		return false
	}
	if ds.OwnerEmail == user.Email {
		return true
	}
	if ds.IsPublic == types.VisibilityTeam && ds.TeamID != "" {
		for _, team := range user.Teams {
			if team == ds.TeamID {
				return true
			}
		}
	}
	return false
}
