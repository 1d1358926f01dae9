package models

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNotFound is returned when an entity is absent from the campaign store.
var ErrNotFound = errors.New("entity not found")

// CampaignStore provides thread-safe access to the marketplace read model:
// campaigns, placements and brokers. Reads are lock-free on the hot path;
// writes swap an immutable snapshot so in-flight allocation requests always
// observe a consistent view.
type CampaignStore interface {
	// Read operations (hot path)
	GetCampaign(id int) *Campaign
	GetCampaignsForPlacement(slug string) []Campaign
	GetAllCampaigns() []Campaign
	GetPlacement(slug string) *Placement
	GetAllPlacements() []Placement
	GetBroker(slug string) *Broker
	GetBrokerByAPIKey(key string) *Broker
	GetAllBrokers() []Broker

	// Write operations (reload path)
	SetCampaigns(campaigns []Campaign) error
	SetPlacements(placements []Placement) error
	SetBrokers(brokers []Broker) error
	// ReloadAll swaps all three collections in a single snapshot.
	ReloadAll(campaigns []Campaign, placements []Placement, brokers []Broker) error

	// AddCampaignSpend increments a campaign's cumulative spend. It is the
	// only mutation the billing path performs on the read model.
	AddCampaignSpend(campaignID int, deltaCents int64) error
}

// storeSnapshot is an immutable view of all marketplace data.
type storeSnapshot struct {
	campaigns      []Campaign
	campaignIndex  map[int]*Campaign
	byPlacement    map[string][]Campaign
	placements     []Placement
	placementIndex map[string]*Placement
	brokers        []Broker
	brokerIndex    map[string]*Broker
	brokerByAPIKey map[string]*Broker
}

// InMemoryCampaignStore implements CampaignStore with atomic snapshot swaps.
type InMemoryCampaignStore struct {
	data atomic.Pointer[storeSnapshot]
	// mu serializes writers; concurrent spend increments must not lose
	// updates during the copy-on-write swap.
	mu sync.Mutex
}

// NewInMemoryCampaignStore creates an empty store.
func NewInMemoryCampaignStore() *InMemoryCampaignStore {
	s := &InMemoryCampaignStore{}
	s.data.Store(buildSnapshot(nil, nil, nil))
	return s
}

func buildSnapshot(campaigns []Campaign, placements []Placement, brokers []Broker) *storeSnapshot {
	snap := &storeSnapshot{
		campaigns:      campaigns,
		campaignIndex:  make(map[int]*Campaign, len(campaigns)),
		byPlacement:    make(map[string][]Campaign),
		placements:     placements,
		placementIndex: make(map[string]*Placement, len(placements)),
		brokers:        brokers,
		brokerIndex:    make(map[string]*Broker, len(brokers)),
		brokerByAPIKey: make(map[string]*Broker, len(brokers)),
	}
	for i := range snap.campaigns {
		c := &snap.campaigns[i]
		snap.campaignIndex[c.ID] = c
		for _, p := range c.Placements {
			snap.byPlacement[p] = append(snap.byPlacement[p], *c)
		}
	}
	for i := range snap.placements {
		p := &snap.placements[i]
		snap.placementIndex[p.Slug] = p
	}
	for i := range snap.brokers {
		b := &snap.brokers[i]
		snap.brokerIndex[b.Slug] = b
		if b.APIKey != "" {
			snap.brokerByAPIKey[b.APIKey] = b
		}
	}
	return snap
}

// GetCampaign returns the campaign with the given ID or nil.
func (s *InMemoryCampaignStore) GetCampaign(id int) *Campaign {
	data := s.data.Load()
	if c, ok := data.campaignIndex[id]; ok {
		cp := *c
		return &cp
	}
	return nil
}

// GetCampaignsForPlacement returns a copy of all campaigns targeting the
// placement slug, regardless of eligibility.
func (s *InMemoryCampaignStore) GetCampaignsForPlacement(slug string) []Campaign {
	data := s.data.Load()
	items := data.byPlacement[slug]
	out := make([]Campaign, len(items))
	copy(out, items)
	return out
}

// GetAllCampaigns returns a copy of every campaign.
func (s *InMemoryCampaignStore) GetAllCampaigns() []Campaign {
	data := s.data.Load()
	out := make([]Campaign, len(data.campaigns))
	copy(out, data.campaigns)
	return out
}

// GetPlacement returns the placement with the given slug or nil.
func (s *InMemoryCampaignStore) GetPlacement(slug string) *Placement {
	data := s.data.Load()
	if p, ok := data.placementIndex[slug]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// GetAllPlacements returns a copy of every placement.
func (s *InMemoryCampaignStore) GetAllPlacements() []Placement {
	data := s.data.Load()
	out := make([]Placement, len(data.placements))
	copy(out, data.placements)
	return out
}

// GetBroker returns the broker with the given slug or nil.
func (s *InMemoryCampaignStore) GetBroker(slug string) *Broker {
	data := s.data.Load()
	if b, ok := data.brokerIndex[slug]; ok {
		cp := *b
		return &cp
	}
	return nil
}

// GetBrokerByAPIKey returns the broker owning the API key or nil.
func (s *InMemoryCampaignStore) GetBrokerByAPIKey(key string) *Broker {
	if key == "" {
		return nil
	}
	data := s.data.Load()
	if b, ok := data.brokerByAPIKey[key]; ok {
		cp := *b
		return &cp
	}
	return nil
}

// GetAllBrokers returns a copy of every broker.
func (s *InMemoryCampaignStore) GetAllBrokers() []Broker {
	data := s.data.Load()
	out := make([]Broker, len(data.brokers))
	copy(out, data.brokers)
	return out
}

// SetCampaigns replaces the campaign collection.
func (s *InMemoryCampaignStore) SetCampaigns(campaigns []Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.data.Load()
	s.data.Store(buildSnapshot(cloneCampaigns(campaigns), old.placements, old.brokers))
	return nil
}

// SetPlacements replaces the placement collection.
func (s *InMemoryCampaignStore) SetPlacements(placements []Placement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.data.Load()
	cp := make([]Placement, len(placements))
	copy(cp, placements)
	s.data.Store(buildSnapshot(old.campaigns, cp, old.brokers))
	return nil
}

// SetBrokers replaces the broker collection.
func (s *InMemoryCampaignStore) SetBrokers(brokers []Broker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.data.Load()
	cp := make([]Broker, len(brokers))
	copy(cp, brokers)
	s.data.Store(buildSnapshot(old.campaigns, old.placements, cp))
	return nil
}

// ReloadAll replaces campaigns, placements and brokers in one snapshot swap.
func (s *InMemoryCampaignStore) ReloadAll(campaigns []Campaign, placements []Placement, brokers []Broker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl := make([]Placement, len(placements))
	copy(pl, placements)
	br := make([]Broker, len(brokers))
	copy(br, brokers)
	s.data.Store(buildSnapshot(cloneCampaigns(campaigns), pl, br))
	return nil
}

// AddCampaignSpend increments a campaign's cumulative spend via
// copy-on-write. Returns ErrNotFound when the campaign is unknown; the
// authoritative spend lives in Postgres, this keeps the read model current
// between reloads.
func (s *InMemoryCampaignStore) AddCampaignSpend(campaignID int, deltaCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.data.Load()
	if _, ok := old.campaignIndex[campaignID]; !ok {
		return ErrNotFound
	}
	campaigns := cloneCampaigns(old.campaigns)
	for i := range campaigns {
		if campaigns[i].ID == campaignID {
			campaigns[i].SpendCents += deltaCents
			break
		}
	}
	s.data.Store(buildSnapshot(campaigns, old.placements, old.brokers))
	return nil
}

func cloneCampaigns(campaigns []Campaign) []Campaign {
	out := make([]Campaign, len(campaigns))
	copy(out, campaigns)
	for i := range out {
		out[i].Placements = append([]string(nil), out[i].Placements...)
		out[i].BrokerAllowList = append([]string(nil), out[i].BrokerAllowList...)
	}
	return out
}
