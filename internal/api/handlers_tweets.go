package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/x-mirror/internal/errors"
	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/service"
	"github.com/x-mirror/internal/storage"
)

// handleListUsers lists every known account with its monitor status
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		respondAppError(w, apperrors.NewStorageError("list users", err))
		return
	}
	if users == nil {
		users = []*models.User{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"total": len(users),
	})
}

// handleUserTweets lists the stored tweets of one account, whatever its
// current monitor status
func (s *Server) handleUserTweets(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	user, err := s.users.GetByUsername(r.Context(), username)
	if errors.Is(err, storage.ErrNotFound) {
		respondAppError(w, apperrors.NewNotFoundError("user", username))
		return
	}
	if err != nil {
		respondAppError(w, apperrors.NewStorageError("get user", err))
		return
	}

	input, err := parseQueryInput(r)
	if err != nil {
		respondAppError(w, err)
		return
	}
	input.Username = user.Username
	input.IncludeInactive = true

	result, err := s.queries.Query(r.Context(), input)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user":        user,
		"tweets":      result.Tweets,
		"pagination":  result.Pagination,
		"queryTimeMs": result.QueryTimeMs,
	})
}

// handleTweets lists stored tweets across accounts
func (s *Server) handleTweets(w http.ResponseWriter, r *http.Request) {
	input, err := parseQueryInput(r)
	if err != nil {
		respondAppError(w, err)
		return
	}
	q := r.URL.Query()
	input.Username = q.Get("username")
	input.Since = q.Get("since")
	input.Until = q.Get("until")
	input.Contains = q.Get("contains")
	input.Lang = q.Get("lang")
	if v := q.Get("includeInactive"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			respondAppError(w, apperrors.NewInvalidParameterError("includeInactive", "must be a boolean"))
			return
		}
		input.IncludeInactive = include
	}

	result, err := s.queries.Query(r.Context(), input)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if result.Tweets == nil {
		result.Tweets = []service.TweetView{}
	}
	respondJSON(w, http.StatusOK, result)
}

// parseQueryInput reads the paging parameters shared by the tweet listings
func parseQueryInput(r *http.Request) (*service.QueryInput, error) {
	input := &service.QueryInput{}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, apperrors.NewInvalidParameterError("limit", "must be an integer")
		}
		input.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil {
			return nil, apperrors.NewInvalidParameterError("offset", "must be an integer")
		}
		input.Offset = offset
	}
	return input, nil
}
