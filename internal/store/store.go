// Package store persists the credential record in SQLite and publishes
// field-keyed change notifications, the daemon-side equivalent of the
// extension's local storage plus its onChanged listener.
package store

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/webcmdk/sidepanel/internal/protocol"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Storage keys. Written together on sign-in/refresh, cleared together on
// sign-out.
const (
	KeyUser                  = "user"
	KeyAccessToken           = "access_token"
	KeyRefreshToken          = "refresh_token"
	KeyAccessTokenExpiresAt  = "access_token_expires_at"
	KeyRefreshTokenExpiresAt = "refresh_token_expires_at"
)

// AuthKeys is every key that participates in the credential record.
var AuthKeys = []string{
	KeyUser,
	KeyAccessToken,
	KeyRefreshToken,
	KeyAccessTokenExpiresAt,
	KeyRefreshTokenExpiresAt,
}

// Entry is one persisted key/value pair.
type Entry struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WatchFunc receives the names of the fields that changed in one write.
type WatchFunc func(changed []string)

type watcher struct {
	id     int
	fields map[string]bool
	fn     WatchFunc
}

// Store is the single source of truth for credentials. Only the broker
// writes to it; everything else re-derives its view from notifications.
type Store struct {
	db *gorm.DB

	mu       sync.Mutex
	watchers []watcher
	nextID   int
}

// Open initializes the SQLite database at path and runs migrations.
// Use "file::memory:?cache=shared" for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Get returns the raw value for key, or "" when absent.
func (s *Store) Get(key string) (string, error) {
	var e Entry
	if err := s.db.First(&e, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return e.Value, nil
}

// SaveCredentials writes the user record and the full token pair as one
// transaction. Later reads observe the new record.
func (s *Store) SaveCredentials(user *protocol.User, creds *protocol.Credentials) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return err
	}
	pairs := map[string]string{
		KeyUser:                  string(userJSON),
		KeyAccessToken:           creds.AccessToken,
		KeyRefreshToken:          creds.RefreshToken,
		KeyAccessTokenExpiresAt:  strconv.FormatInt(creds.AccessTokenExpiresAt, 10),
		KeyRefreshTokenExpiresAt: strconv.FormatInt(creds.RefreshTokenExpiresAt, 10),
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		for k, v := range pairs {
			if err := tx.Save(&Entry{Key: k, Value: v}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(AuthKeys)
	return nil
}

// SaveTokens overwrites the token pair, leaving the user record in place.
// Used by the refresh path.
func (s *Store) SaveTokens(creds *protocol.Credentials) error {
	pairs := map[string]string{
		KeyAccessToken:           creds.AccessToken,
		KeyRefreshToken:          creds.RefreshToken,
		KeyAccessTokenExpiresAt:  strconv.FormatInt(creds.AccessTokenExpiresAt, 10),
		KeyRefreshTokenExpiresAt: strconv.FormatInt(creds.RefreshTokenExpiresAt, 10),
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for k, v := range pairs {
			if err := tx.Save(&Entry{Key: k, Value: v}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify([]string{KeyAccessToken, KeyRefreshToken, KeyAccessTokenExpiresAt, KeyRefreshTokenExpiresAt})
	return nil
}

// Clear removes every credential field. Safe to call when nothing is stored.
func (s *Store) Clear() error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Where("key IN ?", AuthKeys).Delete(&Entry{}).Error
	})
	if err != nil {
		return err
	}
	s.notify(AuthKeys)
	return nil
}

// Credentials reads the whole credential record. Missing fields come back
// zero-valued; User is nil when no user is stored.
func (s *Store) Credentials() (*protocol.User, *protocol.Credentials, error) {
	var entries []Entry
	if err := s.db.Where("key IN ?", AuthKeys).Find(&entries).Error; err != nil {
		return nil, nil, err
	}
	values := make(map[string]string, len(entries))
	for _, e := range entries {
		values[e.Key] = e.Value
	}

	var user *protocol.User
	if raw := values[KeyUser]; raw != "" {
		user = &protocol.User{}
		if err := json.Unmarshal([]byte(raw), user); err != nil {
			return nil, nil, err
		}
	}

	creds := &protocol.Credentials{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
	}
	creds.AccessTokenExpiresAt, _ = strconv.ParseInt(values[KeyAccessTokenExpiresAt], 10, 64)
	creds.RefreshTokenExpiresAt, _ = strconv.ParseInt(values[KeyRefreshTokenExpiresAt], 10, 64)
	return user, creds, nil
}

// Watch registers fn for writes touching any of fields. An empty field list
// subscribes to every key. Returns an unsubscribe func.
func (s *Store) Watch(fields []string, fn WatchFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := watcher{id: s.nextID, fn: fn, fields: make(map[string]bool, len(fields))}
	s.nextID++
	for _, f := range fields {
		w.fields[f] = true
	}
	s.watchers = append(s.watchers, w)

	id := w.id
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, ww := range s.watchers {
			if ww.id == id {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(changed []string) {
	s.mu.Lock()
	watchers := make([]watcher, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	for _, w := range watchers {
		if len(w.fields) == 0 {
			w.fn(changed)
			continue
		}
		for _, f := range changed {
			if w.fields[f] {
				w.fn(changed)
				break
			}
		}
	}
}
