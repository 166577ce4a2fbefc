package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/feeds"
	"github.com/gorilla/mux"

	apperrors "github.com/x-mirror/internal/errors"
	"github.com/x-mirror/internal/service"
	"github.com/x-mirror/internal/storage"
)

const (
	feedItems      = 50
	feedTitleRunes = 80
)

// handleFeed renders the newest stored tweets of an account as RSS
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
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

	result, err := s.queries.Query(r.Context(), &service.QueryInput{
		Username:        user.Username,
		IncludeInactive: true,
		Limit:           feedItems,
	})
	if err != nil {
		respondAppError(w, err)
		return
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s (@%s)", user.Name, user.Username),
		Link:        &feeds.Link{Href: s.profileLink(user.Username)},
		Description: fmt.Sprintf("Mirrored posts of @%s", user.Username),
		Author:      &feeds.Author{Name: user.Name},
		Created:     s.now().UTC(),
	}
	for _, t := range result.Tweets {
		item := &feeds.Item{
			Id:          t.ID,
			Title:       feedTitle(t.Text),
			Link:        &feeds.Link{Href: tweetLink(user.Username, t.ID)},
			Description: t.Text,
			Author:      &feeds.Author{Name: user.Name},
		}
		if t.CreatedAt != nil {
			if created, err := time.Parse(time.RFC3339, *t.CreatedAt); err == nil {
				item.Created = created
			}
		}
		feed.Items = append(feed.Items, item)
	}

	rss, err := feed.ToRss()
	if err != nil {
		respondAppError(w, apperrors.NewInternalError("render feed", err))
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rss))
}

func (s *Server) profileLink(username string) string {
	if s.config.FeedLink != "" {
		return strings.TrimRight(s.config.FeedLink, "/") + "/api/users/" + username + "/tweets"
	}
	return "https://x.com/" + username
}

func tweetLink(username, id string) string {
	return "https://x.com/" + username + "/status/" + id
}

// feedTitle is the first line of text, cut to a readable length
func feedTitle(text string) string {
	title := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	runes := []rune(title)
	if len(runes) > feedTitleRunes {
		return string(runes[:feedTitleRunes-1]) + "…"
	}
	return title
}
