package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
	"github.com/DIGONADA/candlelife-85/internal/querycache"
)

// Directory resolves user profiles, caching them under the shared query
// cache so realtime profile changes evict stale entries for free.
type Directory struct {
	client *Client
	cache  *querycache.Cache
}

// NewDirectory creates a profile directory. cache may be nil to disable
// caching.
func NewDirectory(client *Client, cache *querycache.Cache) *Directory {
	return &Directory{client: client, cache: cache}
}

// Lookup fetches a profile by user ID. An unknown user returns a zero
// Profile and no error.
func (d *Directory) Lookup(ctx context.Context, userID string) (ports.Profile, error) {
	if userID == "" {
		return ports.Profile{}, domain.NewValidationError("user_id", "must not be empty")
	}

	if d.cache != nil {
		if cached, ok := d.cache.Get(domain.TableProfiles, userID); ok {
			if p, ok := cached.(ports.Profile); ok {
				return p, nil
			}
		}
	}

	query := url.Values{
		"id":     []string{"eq." + userID},
		"select": []string{"id,username,avatar_url"},
		"limit":  []string{"1"},
	}
	raw, err := d.client.Select(ctx, domain.TableProfiles, query)
	if err != nil {
		return ports.Profile{}, err
	}

	var rows []ports.Profile
	if err := json.Unmarshal(raw, &rows); err != nil {
		return ports.Profile{}, domain.NewBackendError("lookup profile", 0, fmt.Errorf("decode rows: %w", err))
	}
	if len(rows) == 0 {
		return ports.Profile{}, nil
	}

	profile := rows[0]
	if d.cache != nil {
		d.cache.Set(profile, domain.TableProfiles, userID)
	}
	return profile, nil
}

var _ ports.ProfileDirectory = (*Directory)(nil)
