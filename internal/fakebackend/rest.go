package fakebackend

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/markb/possync/internal/realtime"
)

const profilesTable = "profiles"

// rowFilters parses the column=op.value query parameters of a request.
// Reserved PostgREST parameters are skipped.
func rowFilters(r *http.Request) ([]realtime.Filter, error) {
	var filters []realtime.Filter
	for column, values := range r.URL.Query() {
		switch column {
		case "select", "order", "limit", "offset", "apikey":
			continue
		}
		for _, v := range values {
			f, err := realtime.ParseFilter(column + "=" + v)
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		}
	}
	return filters, nil
}

func matchesAll(filters []realtime.Filter, row Profile) bool {
	for _, f := range filters {
		if !f.Matches(row) {
			return false
		}
	}
	return true
}

func copyRow(row Profile) Profile {
	out := make(Profile, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// handleSelectProfiles returns the caller's own row when it matches the
// filters. Other users' rows are hidden the way row-level security would.
func (s *Server) handleSelectProfiles(w http.ResponseWriter, r *http.Request) {
	filters, err := rowFilters(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	user := userFromContext(r.Context())

	s.mu.Lock()
	down := s.profilesDown
	row, ok := s.profiles[user.ID]
	if ok {
		row = copyRow(row)
	}
	s.mu.Unlock()

	if down {
		s.writeError(w, http.StatusInternalServerError, "internal_error", "profiles unavailable")
		return
	}

	rows := []Profile{}
	if ok && matchesAll(filters, row) {
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleUpdateProfiles(w http.ResponseWriter, r *http.Request) {
	filters, err := rowFilters(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	var fields Profile
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	user := userFromContext(r.Context())

	s.mu.Lock()
	row, ok := s.profiles[user.ID]
	matched := ok && matchesAll(filters, row)
	s.mu.Unlock()

	rows := []Profile{}
	if matched {
		updated, err := s.UpdateProfile(user.ID, fields)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		rows = append(rows, updated)
	}
	writeJSON(w, http.StatusOK, rows)
}

// Profile returns a copy of userID's row.
func (s *Server) Profile(userID string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.profiles[userID]
	if !ok {
		return nil, false
	}
	return copyRow(row), true
}

// UpdateProfile merges fields into userID's row and broadcasts the change
// to realtime subscribers. The id column cannot be changed.
func (s *Server) UpdateProfile(userID string, fields Profile) (Profile, error) {
	s.mu.Lock()
	row, ok := s.profiles[userID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("no profile for user %s", userID)
	}
	old := copyRow(row)
	for k, v := range fields {
		if k == "id" {
			continue
		}
		row[k] = v
	}
	updated := copyRow(row)
	s.mu.Unlock()

	s.hub.BroadcastChange("public", profilesTable, string(realtime.EventUpdate), old, updated)
	return updated, nil
}

// DeleteProfile removes userID's row and broadcasts the delete.
func (s *Server) DeleteProfile(userID string) bool {
	s.mu.Lock()
	row, ok := s.profiles[userID]
	delete(s.profiles, userID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.hub.BroadcastChange("public", profilesTable, string(realtime.EventDelete), row, nil)
	return true
}
