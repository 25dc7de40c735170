package bank

import (
	"context"
	"sort"
	"sync"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
)

// Directory holds profiles and hospitals. It resolves hospitals for the
// ledger and the matcher.
type Directory struct {
	mu        sync.RWMutex
	profiles  map[string]blood.Profile
	hospitals map[string]blood.Hospital
}

func NewDirectory() *Directory {
	return &Directory{
		profiles:  make(map[string]blood.Profile),
		hospitals: make(map[string]blood.Hospital),
	}
}

func (d *Directory) Hospital(_ context.Context, id string) (blood.Hospital, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.hospitals[id]
	if !ok {
		return blood.Hospital{}, blood.Missing("hospital", id)
	}
	return h, nil
}

// OwnedBy returns the hospital registered by userID.
func (d *Directory) OwnedBy(_ context.Context, userID string) (blood.Hospital, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.hospitals {
		if h.UserID == userID {
			return h, nil
		}
	}
	return blood.Hospital{}, blood.Missing("hospital owned by", userID)
}

func (d *Directory) Profile(_ context.Context, id string) (blood.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[id]
	if !ok {
		return blood.Profile{}, blood.Missing("profile", id)
	}
	return p, nil
}

// Hospitals lists every hospital ordered by name.
func (d *Directory) Hospitals() []blood.Hospital {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]blood.Hospital, 0, len(d.hospitals))
	for _, h := range d.hospitals {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Directory) putProfile(p blood.Profile) {
	d.mu.Lock()
	d.profiles[p.ID] = p
	d.mu.Unlock()
}

func (d *Directory) putHospital(h blood.Hospital) {
	d.mu.Lock()
	d.hospitals[h.ID] = h
	d.mu.Unlock()
}

// Restore replaces the directory with persisted rows.
func (d *Directory) Restore(ps []blood.Profile, hs []blood.Hospital) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles = make(map[string]blood.Profile, len(ps))
	for _, p := range ps {
		d.profiles[p.ID] = p
	}
	d.hospitals = make(map[string]blood.Hospital, len(hs))
	for _, h := range hs {
		d.hospitals[h.ID] = h
	}
}
