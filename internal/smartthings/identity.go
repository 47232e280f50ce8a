package smartthings

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/kv"
)

// Identity is the installed app the integration acts for.
type Identity struct {
	InstalledAppID string `json:"installedAppId"`
	LocationID     string `json:"locationId"`
}

// Complete reports whether both IDs are known.
func (i Identity) Complete() bool {
	return i.InstalledAppID != "" && i.LocationID != ""
}

const identityKey = "identity"

// IdentityStore persists the installed app identity in a kv bucket.
type IdentityStore struct {
	bucket kv.Bucket

	mu      sync.Mutex
	current Identity
}

// NewIdentityStore wraps bucket. fallback is used for fields never captured.
func NewIdentityStore(bucket kv.Bucket, fallback Identity) *IdentityStore {
	s := &IdentityStore{bucket: bucket, current: fallback}
	var stored Identity
	ok, err := kv.GetJSON(bucket, identityKey, &stored)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable stored app identity")
	}
	if ok {
		s.current = merge(s.current, stored)
	}
	return s
}

// Get returns the current identity.
func (s *IdentityStore) Get() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update merges non-empty fields of id and persists when anything changed.
func (s *IdentityStore) Update(id Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := merge(s.current, id)
	if next == s.current {
		return false, nil
	}
	if err := kv.PutJSON(s.bucket, identityKey, next); err != nil {
		return false, err
	}

	log.Info().
		Str("installed_app_id", next.InstalledAppID).
		Str("location_id", next.LocationID).
		Msg("Stored installed app identity")
	s.current = next
	return true, nil
}

func merge(base, over Identity) Identity {
	if over.InstalledAppID != "" {
		base.InstalledAppID = over.InstalledAppID
	}
	if over.LocationID != "" {
		base.LocationID = over.LocationID
	}
	return base
}
