// Package profile defines player profiles and the explicit partial update
// applied to them.
package profile

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxDisplayName = 50
	MaxBio         = 500
	MaxSocialLinks = 10
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

type Profile struct {
	WalletAddress string            `json:"wallet_address"`
	Username      string            `json:"username,omitempty"`
	DisplayName   string            `json:"display_name,omitempty"`
	Bio           string            `json:"bio,omitempty"`
	AvatarURL     string            `json:"avatar_url,omitempty"`
	SocialLinks   map[string]string `json:"social_links,omitempty"`
	GirthBalance  int64             `json:"girth_balance"`
	ShardBalance  int64             `json:"shard_balance"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Update names every field a caller may change. A nil field is left alone.
type Update struct {
	DisplayName *string            `json:"displayName,omitempty"`
	Username    *string            `json:"username,omitempty"`
	Bio         *string            `json:"bio,omitempty"`
	AvatarURL   *string            `json:"avatarUrl,omitempty"`
	SocialLinks *map[string]string `json:"socialLinks,omitempty"`
}

func (u Update) Empty() bool {
	return u.DisplayName == nil && u.Username == nil && u.Bio == nil &&
		u.AvatarURL == nil && u.SocialLinks == nil
}

// FieldError is a validation failure on one named field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Reason }

func (u Update) Validate() error {
	if u.Empty() {
		return errors.New("no fields to update")
	}
	if u.Username != nil {
		if err := ValidateUsername(*u.Username); err != nil {
			return err
		}
	}
	if u.DisplayName != nil {
		if err := ValidateDisplayName(*u.DisplayName); err != nil {
			return err
		}
	}
	if u.Bio != nil && utf8.RuneCountInString(*u.Bio) > MaxBio {
		return &FieldError{"bio", fmt.Sprintf("at most %d characters", MaxBio)}
	}
	if u.AvatarURL != nil && *u.AvatarURL != "" {
		if !isHTTPURL(*u.AvatarURL) {
			return &FieldError{"avatarUrl", "must be an http(s) URL"}
		}
	}
	if u.SocialLinks != nil {
		links := *u.SocialLinks
		if len(links) > MaxSocialLinks {
			return &FieldError{"socialLinks", fmt.Sprintf("at most %d links", MaxSocialLinks)}
		}
		for k, v := range links {
			if strings.TrimSpace(k) == "" {
				return &FieldError{"socialLinks", "empty key"}
			}
			if !isHTTPURL(v) {
				return &FieldError{"socialLinks." + k, "must be an http(s) URL"}
			}
		}
	}
	return nil
}

func ValidateUsername(s string) error {
	if !usernameRE.MatchString(s) {
		return &FieldError{"username", "3-24 letters, digits or underscores"}
	}
	return nil
}

func ValidateDisplayName(s string) error {
	if utf8.RuneCountInString(s) > MaxDisplayName {
		return &FieldError{"displayName", fmt.Sprintf("at most %d characters", MaxDisplayName)}
	}
	return nil
}

// Apply returns p with every present field of u copied over.
func (u Update) Apply(p Profile) Profile {
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.Username != nil {
		p.Username = *u.Username
	}
	if u.Bio != nil {
		p.Bio = *u.Bio
	}
	if u.AvatarURL != nil {
		p.AvatarURL = *u.AvatarURL
	}
	if u.SocialLinks != nil {
		links := make(map[string]string, len(*u.SocialLinks))
		for k, v := range *u.SocialLinks {
			links[k] = v
		}
		p.SocialLinks = links
	}
	return p
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
