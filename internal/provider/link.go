package provider

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const baseURL = "https://t.me/"

// ErrInvalidLink is returned for links that do not identify a chat.
var ErrInvalidLink = errors.New("invalid chat link")

var usernameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)

// NormalizeLink converts the accepted link forms into a canonical URL:
// "https://t.me/name", "t.me/name", "@name" and the invite forms
// "t.me/+hash" and "t.me/joinchat/hash". Usernames are lowercased.
func NormalizeLink(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(s, "@"); ok {
		if !usernameRe.MatchString(rest) {
			return "", fmt.Errorf("%w: %q", ErrInvalidLink, raw)
		}
		return baseURL + strings.ToLower(rest), nil
	}

	lower := strings.ToLower(s)
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, scheme) {
			s = s[len(scheme):]
			break
		}
	}
	host, path, _ := strings.Cut(s, "/")
	switch strings.ToLower(strings.TrimPrefix(host, "www.")) {
	case "t.me", "telegram.me":
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLink, raw)
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")

	first := segments[0]
	switch {
	case strings.HasPrefix(first, "+") && len(first) > 1:
		return baseURL + first, nil
	case first == "joinchat":
		if len(segments) < 2 || segments[1] == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidLink, raw)
		}
		return baseURL + "joinchat/" + segments[1], nil
	case first == "s" && len(segments) > 1:
		first = segments[1]
	}
	if !usernameRe.MatchString(first) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLink, raw)
	}
	return baseURL + strings.ToLower(first), nil
}

// InviteHash returns the hash of an invite link produced by NormalizeLink.
func InviteHash(link string) (string, bool) {
	rest, ok := strings.CutPrefix(link, baseURL)
	if !ok {
		return "", false
	}
	if h, ok := strings.CutPrefix(rest, "+"); ok {
		return h, true
	}
	if h, ok := strings.CutPrefix(rest, "joinchat/"); ok {
		return h, true
	}
	return "", false
}

// Username returns the public username of a link produced by NormalizeLink.
func Username(link string) (string, bool) {
	rest, ok := strings.CutPrefix(link, baseURL)
	if !ok {
		return "", false
	}
	if _, invite := InviteHash(link); invite {
		return "", false
	}
	return rest, rest != ""
}

// Permalink returns the public link to a message. Chats without a
// username use the private "c/<id>" form.
func Permalink(username string, chatID, messageID int64) string {
	if username != "" {
		return baseURL + username + "/" + strconv.FormatInt(messageID, 10)
	}
	return baseURL + "c/" + strconv.FormatInt(chatID, 10) + "/" + strconv.FormatInt(messageID, 10)
}
