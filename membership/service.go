// Package membership is a read-through caching layer over a membership
// backend (members and their organizations). It demonstrates the intended
// consumer shape: one Service constructed at startup, regions grouping
// per-entity invalidation, and factories that register their dependencies
// while loading.
package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unkn0wn-root/tokencache"
	"github.com/unkn0wn-root/tokencache/codec"
	"github.com/unkn0wn-root/tokencache/key"
	"github.com/unkn0wn-root/tokencache/region"
	"github.com/unkn0wn-root/tokencache/token"
)

type Member struct {
	ID             string `json:"id" msgpack:"id"`
	OrganizationID string `json:"organization_id" msgpack:"organization_id"`
	Email          string `json:"email" msgpack:"email"`
	DisplayName    string `json:"display_name" msgpack:"display_name"`
}

type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Backend is the source of truth the service reads through to. Implementations
// are typically a database layer; lookups return ok=false for absent rows.
type Backend interface {
	MemberByID(ctx context.Context, id string) (Member, bool, error)
	MembersByIDs(ctx context.Context, ids []string) ([]Member, error)
	MembersByOrganization(ctx context.Context, orgID string) ([]Member, error)
	OrganizationByID(ctx context.Context, id string) (Organization, bool, error)

	SaveMember(ctx context.Context, m Member) error
	DeleteMember(ctx context.Context, id string) error
	SaveOrganization(ctx context.Context, o Organization) error
}

type Config struct {
	Backend Backend

	// Provider is shared by the service's caches; namespaces keep their
	// keyspaces apart. It is closed exactly once by Service.Close.
	Provider tokencache.Provider

	Logger tokencache.Logger
	Hooks  tokencache.Hooks

	// Watcher is an optional coarse invalidation source (e.g. fed by a Redis
	// pub/sub feed). When set, every cached read also depends on its epoch.
	Watcher *token.Watcher

	// TTL bounds entry lifetime independent of token invalidation. 0 => cache default.
	TTL time.Duration
}

const (
	scopeMember = "member"
	scopeOrg    = "organization"
)

// Service caches membership reads and expires the right region leaves on
// writes. Safe for concurrent use.
type Service struct {
	backend Backend
	watch   *token.Watcher
	ttl     time.Duration

	members *region.Region
	orgs    *region.Region

	member tokencache.Cache[*Member]
	roster tokencache.Cache[[]Member]
	org    tokencache.Cache[*Organization]
}

func New(cfg Config) (*Service, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("membership: backend is required")
	}

	s := &Service{
		backend: cfg.Backend,
		watch:   cfg.Watcher,
		ttl:     cfg.TTL,
		members: region.New("members", region.Options{}),
		orgs:    region.New("organizations", region.Options{}),
	}

	// the three caches share one provider; guard against repeated Close
	shared := &onceCloseProvider{Provider: cfg.Provider}

	var err error
	s.member, err = tokencache.New[*Member](tokencache.Options[*Member]{
		Namespace:  "membership:member",
		Provider:   shared,
		Codec:      codec.Msgpack[*Member]{},
		Logger:     cfg.Logger,
		Hooks:      cfg.Hooks,
		DefaultTTL: cfg.TTL,
	})
	if err != nil {
		return nil, err
	}
	s.roster, err = tokencache.New[[]Member](tokencache.Options[[]Member]{
		Namespace:  "membership:roster",
		Provider:   shared,
		Codec:      codec.Msgpack[[]Member]{},
		Logger:     cfg.Logger,
		Hooks:      cfg.Hooks,
		DefaultTTL: cfg.TTL,
	})
	if err != nil {
		return nil, err
	}
	s.org, err = tokencache.New[*Organization](tokencache.Options[*Organization]{
		Namespace:  "membership:organization",
		Provider:   shared,
		Codec:      codec.JSONCodec[*Organization]{},
		Logger:     cfg.Logger,
		Hooks:      cfg.Hooks,
		DefaultTTL: cfg.TTL,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Close(ctx context.Context) error {
	_ = s.members.Close(ctx)
	_ = s.orgs.Close(ctx)
	_ = s.member.Close(ctx)
	_ = s.roster.Close(ctx)
	return s.org.Close(ctx)
}

// onceCloseProvider makes the shared provider's Close idempotent: each cache
// closes its provider, but the underlying store must be torn down once.
type onceCloseProvider struct {
	tokencache.Provider
	once sync.Once
	err  error
}

func (p *onceCloseProvider) Close(ctx context.Context) error {
	p.once.Do(func() { p.err = p.Provider.Close(ctx) })
	return p.err
}

// watchToken returns the coarse epoch token, or nil when no watcher is wired.
func (s *Service) watchToken() token.Token {
	if s.watch == nil {
		return nil
	}
	return s.watch.CreateChangeToken()
}

// MemberByID returns the member, caching found results until the member's
// region leaf fires. Absent members are not cached; each lookup retries the
// backend.
func (s *Service) MemberByID(ctx context.Context, id string) (Member, bool, error) {
	m, err := s.member.GetOrCreate(ctx, key.With(scopeMember, "by-id", id),
		func(ctx context.Context, e *tokencache.Entry) (*Member, error) {
			rec, ok, err := s.backend.MemberByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				e.SkipStore()
				return nil, nil
			}
			e.AddExpirationToken(s.members.CreateChangeToken(id))
			e.AddExpirationToken(s.watchToken())
			return &rec, nil
		})
	if err != nil || m == nil {
		return Member{}, false, err
	}
	return *m, true, nil
}

// MembersByIDs is a batched lookup. The key is built from the sorted id set,
// so callers passing the same ids in any order share one entry. The entry
// depends on every requested id: a write to any of them invalidates the batch.
func (s *Service) MembersByIDs(ctx context.Context, ids []string) ([]Member, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	parts := make([]any, len(sorted))
	for i, id := range sorted {
		parts[i] = id
	}

	return s.roster.GetOrCreate(ctx, key.With(scopeMember, "by-ids", parts...),
		func(ctx context.Context, e *tokencache.Entry) ([]Member, error) {
			ms, err := s.backend.MembersByIDs(ctx, sorted)
			if err != nil {
				return nil, err
			}
			for _, id := range sorted {
				e.AddExpirationToken(s.members.CreateChangeToken(id))
			}
			e.AddExpirationToken(s.watchToken())
			return ms, nil
		})
}

// MembersByOrganization returns the organization's roster. The entry depends
// on the organization's region leaf; member writes expire that leaf, so
// rosters never serve a membership change stale past the next read.
func (s *Service) MembersByOrganization(ctx context.Context, orgID string) ([]Member, error) {
	return s.roster.GetOrCreate(ctx, key.With(scopeMember, "by-organization", orgID),
		func(ctx context.Context, e *tokencache.Entry) ([]Member, error) {
			ms, err := s.backend.MembersByOrganization(ctx, orgID)
			if err != nil {
				return nil, err
			}
			e.AddExpirationToken(s.orgs.CreateChangeToken(orgID))
			e.AddExpirationToken(s.watchToken())
			return ms, nil
		})
}

func (s *Service) OrganizationByID(ctx context.Context, id string) (Organization, bool, error) {
	o, err := s.org.GetOrCreate(ctx, key.With(scopeOrg, "by-id", id),
		func(ctx context.Context, e *tokencache.Entry) (*Organization, error) {
			rec, ok, err := s.backend.OrganizationByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				e.SkipStore()
				return nil, nil
			}
			e.AddExpirationToken(s.orgs.CreateChangeToken(id))
			e.AddExpirationToken(s.watchToken())
			return &rec, nil
		})
	if err != nil || o == nil {
		return Organization{}, false, err
	}
	return *o, true, nil
}

// SaveMember writes through to the backend, then expires the member's leaf
// and every affected organization leaf so single lookups, batches, and
// rosters all refetch. The prior record is resolved before the write: when
// the member moves between organizations, the old organization's roster must
// stop listing them.
func (s *Service) SaveMember(ctx context.Context, m Member) error {
	prev, hadPrev, err := s.backend.MemberByID(ctx, m.ID)
	if err != nil {
		return err
	}
	if err := s.backend.SaveMember(ctx, m); err != nil {
		return err
	}
	s.members.Expire(m.ID)
	if m.OrganizationID != "" {
		s.orgs.Expire(m.OrganizationID)
	}
	if hadPrev && prev.OrganizationID != "" && prev.OrganizationID != m.OrganizationID {
		s.orgs.Expire(prev.OrganizationID)
	}
	return nil
}

// DeleteMember removes the member and expires its dependents. The owning
// organization is resolved before the delete so its roster leaf can be fired.
func (s *Service) DeleteMember(ctx context.Context, id string) error {
	rec, ok, err := s.backend.MemberByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.backend.DeleteMember(ctx, id); err != nil {
		return err
	}
	s.members.Expire(id)
	if ok && rec.OrganizationID != "" {
		s.orgs.Expire(rec.OrganizationID)
	}
	return nil
}

func (s *Service) SaveOrganization(ctx context.Context, o Organization) error {
	if err := s.backend.SaveOrganization(ctx, o); err != nil {
		return err
	}
	s.orgs.Expire(o.ID)
	return nil
}

// InvalidateAll drops every cached read: via the watcher epoch when one is
// wired, otherwise by expiring both regions wholesale.
func (s *Service) InvalidateAll() {
	if s.watch != nil {
		s.watch.Signal()
		return
	}
	s.members.ExpireAll()
	s.orgs.ExpireAll()
}
