// Package memory provides an in-memory implementation of the storage
// ports, guarded by a single mutex.
//
// Grounded on dexidp/dex's storage/memory package (map-backed storage.Storage
// implementation), narrowed to this core's four entities.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dexidp/idpd/internal/storage"
)

// New returns an in-memory Store seeded with no data.
func New() storage.Store {
	return &memStore{
		users:    make(map[string]storage.User),
		refresh:  make(map[string]storage.RefreshRecord),
		codes:    make(map[string]storage.AuthCode),
		clients:  make(map[string]storage.Client),
	}
}

type memStore struct {
	mu      sync.Mutex
	users   map[string]storage.User // keyed by ID
	refresh map[string]storage.RefreshRecord // keyed by TokenHash
	codes   map[string]storage.AuthCode // keyed by Code
	clients map[string]storage.Client // keyed by ClientID
}

func (m *memStore) Users() storage.Users                 { return (*usersPort)(m) }
func (m *memStore) RefreshTokens() storage.RefreshTokens { return (*refreshPort)(m) }
func (m *memStore) AuthCodes() storage.AuthCodes         { return (*codesPort)(m) }
func (m *memStore) Clients() storage.Clients             { return (*clientsPort)(m) }
func (m *memStore) Close() error                         { return nil }

// SeedClient registers a Client directly, bypassing the read-only Clients
// port; used by tests and admin bootstrap, mirroring dex's static client
// loading (storage/static_clients.go).
func (m *memStore) SeedClient(c storage.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ClientID] = c
}

// Seed registers c on s when s is a Store returned by New; for any other
// storage.Store it does nothing.
func Seed(s storage.Store, c storage.Client) {
	if ms, ok := s.(*memStore); ok {
		ms.SeedClient(c)
	}
}

func (m *memStore) GarbageCollect(_ context.Context, now time.Time) (storage.GCResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result storage.GCResult
	for code, c := range m.codes {
		if now.After(c.ExpiresAt) {
			delete(m.codes, code)
			result.AuthCodes++
		}
	}
	for hash, r := range m.refresh {
		if r.Revoked && now.After(r.ExpiresAt) {
			delete(m.refresh, hash)
			result.RefreshRecords++
		}
	}
	return result, nil
}

type usersPort memStore

func (p *usersPort) FindByEmail(_ context.Context, email string) (storage.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	email = strings.ToLower(email)
	for _, u := range p.users {
		if strings.ToLower(u.Email) == email {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (p *usersPort) FindByUsername(_ context.Context, username string) (storage.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.Username != "" && u.Username == username {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (p *usersPort) FindByID(_ context.Context, id string) (storage.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (p *usersPort) Insert(_ context.Context, u storage.User) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	lowerEmail := strings.ToLower(u.Email)
	for _, existing := range p.users {
		if strings.ToLower(existing.Email) == lowerEmail {
			return storage.ErrAlreadyExists
		}
		if u.Username != "" && existing.Username == u.Username {
			return storage.ErrAlreadyExists
		}
	}
	p.users[u.ID] = u
	return nil
}

type refreshPort memStore

func (p *refreshPort) Insert(_ context.Context, r storage.RefreshRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.refresh[r.TokenHash]; ok {
		return storage.ErrAlreadyExists
	}
	p.refresh[r.TokenHash] = r
	return nil
}

func (p *refreshPort) FindByHash(_ context.Context, hash string) (storage.RefreshRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.refresh[hash]
	if !ok {
		return storage.RefreshRecord{}, storage.ErrNotFound
	}
	return r, nil
}

func (p *refreshPort) MarkRevoked(_ context.Context, hash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.refresh[hash]
	if !ok {
		// Idempotent: a missing record is not an error.
		return nil
	}
	r.Revoked = true
	p.refresh[hash] = r
	return nil
}

func (p *refreshPort) MarkUsed(_ context.Context, hash string, when time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.refresh[hash]
	if !ok {
		return storage.ErrNotFound
	}
	r.LastUsedAt = when
	p.refresh[hash] = r
	return nil
}

type codesPort memStore

func (p *codesPort) Insert(_ context.Context, c storage.AuthCode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.codes[c.Code]; ok {
		return storage.ErrAlreadyExists
	}
	p.codes[c.Code] = c
	return nil
}

func (p *codesPort) FindByCode(_ context.Context, code string) (storage.AuthCode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.codes[code]
	if !ok {
		return storage.AuthCode{}, storage.ErrNotFound
	}
	return c, nil
}

// MarkUsed performs the Fresh -> Used transition atomically with respect
// to other calls on this store: the mutex serializes all reads and writes
// of a single code, satisfying linearizability requirement.
func (p *codesPort) MarkUsed(_ context.Context, code string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.codes[code]
	if !ok {
		return false, storage.ErrNotFound
	}
	if c.Used {
		return false, nil
	}
	c.Used = true
	p.codes[code] = c
	return true, nil
}

type clientsPort memStore

func (p *clientsPort) FindByClientID(_ context.Context, clientID string) (storage.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[clientID]
	if !ok {
		return storage.Client{}, storage.ErrNotFound
	}
	return c, nil
}
