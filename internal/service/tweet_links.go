package service

import (
	"net/url"
	"strings"

	"github.com/x-mirror/internal/adapter"
	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/types"
)

// RefTypeLinked is the reference type of status links found in post text
const RefTypeLinked = "linked"

var platformHosts = map[string]bool{
	"x.com":              true,
	"www.x.com":          true,
	"mobile.x.com":       true,
	"twitter.com":        true,
	"www.twitter.com":    true,
	"mobile.twitter.com": true,
}

// TweetLink is a parsed status URL. Username is empty for /i/web/status links.
type TweetLink struct {
	Username string
	TweetID  string
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParseTweetLink recognizes /{user}/status/{id} and /i/web/status/{id} URLs
// on the platform's hosts.
func ParseTweetLink(raw string) (*TweetLink, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !platformHosts[strings.ToLower(u.Hostname())] {
		return nil, false
	}
	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	switch {
	case len(parts) >= 4 && parts[0] == "i" && parts[1] == "web" && parts[2] == "status" && isDigits(parts[3]):
		return &TweetLink{TweetID: parts[3]}, true
	case len(parts) >= 3 && parts[0] != "i" && parts[1] == "status" && isDigits(parts[2]):
		return &TweetLink{Username: parts[0], TweetID: parts[2]}, true
	}
	return nil, false
}

// ExtractReferences lists the posts a timeline item points at: its
// referenced_tweets entries plus status links in its text. A link to the
// post itself is ignored.
func ExtractReferences(p adapter.Post) []models.TweetRef {
	var refs []models.TweetRef
	for _, r := range p.ReferencedTweets {
		if r.ID == "" {
			continue
		}
		refs = append(refs, models.TweetRef{
			TweetID:    p.ID,
			RefTweetID: r.ID,
			RefType:    r.Type,
			Source:     types.RefFromReferencedTweets,
		})
	}
	for _, e := range p.ParsedEntities.URLs {
		target := e.ExpandedURL
		if target == "" {
			target = e.URL
		}
		link, ok := ParseTweetLink(target)
		if !ok || link.TweetID == p.ID {
			continue
		}
		u := target
		refs = append(refs, models.TweetRef{
			TweetID:    p.ID,
			RefTweetID: link.TweetID,
			RefType:    RefTypeLinked,
			Source:     types.RefFromURL,
			URL:        &u,
		})
	}
	return refs
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// refSnapshots builds snapshots for the referenced ids the timeline expanded
// and returns the ids it did not.
func refSnapshots(refs []models.TweetRef, tl *adapter.Timeline) ([]*models.RefTweet, []string) {
	var (
		snapshots []*models.RefTweet
		missing   []string
		seen      = make(map[string]struct{})
	)
	for _, ref := range refs {
		if _, dup := seen[ref.RefTweetID]; dup {
			continue
		}
		seen[ref.RefTweetID] = struct{}{}

		item, ok := tl.IncludedPosts[ref.RefTweetID]
		if !ok {
			missing = append(missing, ref.RefTweetID)
			continue
		}
		snap := &models.RefTweet{
			ID:        item.Post.ID,
			AuthorID:  optString(item.Post.AuthorID),
			Text:      &item.Post.Text,
			CreatedAt: optString(item.Post.CreatedAt),
			Lang:      optString(item.Post.Lang),
			Media:     item.Media,
			Raw:       item.Post.Raw,
		}
		if author, ok := tl.IncludedUsers[item.Post.AuthorID]; ok {
			snap.AuthorUsername = optString(author.Username)
			snap.AuthorName = optString(author.Name)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, missing
}
