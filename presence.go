package main

import (
	"slices"
)

// Viewer is one connection looking at a page.
type Viewer struct {
	UserID      string `json:"userId"`
	ConnID      string `json:"socketId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// PageViewers is the viewer list of a page after a change, ready to be
// broadcast to the page room and its drive room.
type PageViewers struct {
	PageID  string
	DriveID string
	Viewers []Viewer
}

// pageViewers keeps viewers in insertion order; re-adding a connection keeps
// its original position.
type pageViewers struct {
	order  []string
	byConn map[string]Viewer
}

func (p *pageViewers) list() []Viewer {
	out := make([]Viewer, 0, len(p.order))
	for _, connID := range p.order {
		out = append(out, p.byConn[connID])
	}
	return out
}

// PresenceTracker records which connections are viewing which pages. Like the
// Registry it is not synchronized; the Hub owns the lock.
type PresenceTracker struct {
	pages     map[string]*pageViewers
	pageDrive map[string]string
	connPages map[string]set
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		pages:     map[string]*pageViewers{},
		pageDrive: map[string]string{},
		connPages: map[string]set{},
	}
}

// AddViewer upserts viewer on pageID and returns the full viewer list.
func (t *PresenceTracker) AddViewer(pageID, driveID string, viewer Viewer) []Viewer {
	p, ok := t.pages[pageID]
	if !ok {
		p = &pageViewers{byConn: map[string]Viewer{}}
		t.pages[pageID] = p
	}
	if _, seen := p.byConn[viewer.ConnID]; !seen {
		p.order = append(p.order, viewer.ConnID)
	}
	p.byConn[viewer.ConnID] = viewer
	if driveID != "" {
		t.pageDrive[pageID] = driveID
	}
	addTo(t.connPages, viewer.ConnID, pageID)
	return p.list()
}

// RemoveViewer drops connID from pageID and returns the viewers left. A page
// with no viewers left is forgotten, cached drive id included.
func (t *PresenceTracker) RemoveViewer(connID, pageID string) []Viewer {
	removeFrom(t.connPages, connID, pageID)
	p, ok := t.pages[pageID]
	if !ok {
		return []Viewer{}
	}
	if _, seen := p.byConn[connID]; seen {
		delete(p.byConn, connID)
		p.order = slices.DeleteFunc(p.order, func(id string) bool { return id == connID })
	}
	if len(p.order) == 0 {
		delete(t.pages, pageID)
		delete(t.pageDrive, pageID)
		return []Viewer{}
	}
	return p.list()
}

// RemoveSocket removes connID from every page it was viewing and returns one
// record per affected page, in page id order.
func (t *PresenceTracker) RemoveSocket(connID string) []PageViewers {
	pages := sortedKeys(t.connPages[connID])
	out := make([]PageViewers, 0, len(pages))
	for _, pageID := range pages {
		driveID := t.pageDrive[pageID]
		out = append(out, PageViewers{
			PageID:  pageID,
			DriveID: driveID,
			Viewers: t.RemoveViewer(connID, pageID),
		})
	}
	delete(t.connPages, connID)
	return out
}

func (t *PresenceTracker) GetViewers(pageID string) []Viewer {
	p, ok := t.pages[pageID]
	if !ok {
		return []Viewer{}
	}
	return p.list()
}

// GetUniqueViewers collapses the viewer list to one entry per user. Users
// keep the position of their first connection; the last connection seen
// supplies the displayed identity.
func (t *PresenceTracker) GetUniqueViewers(pageID string) []Viewer {
	return uniqueByUser(t.GetViewers(pageID))
}

func (t *PresenceTracker) GetDriveID(pageID string) (string, bool) {
	driveID, ok := t.pageDrive[pageID]
	return driveID, ok
}

func (t *PresenceTracker) GetPagesForSocket(connID string) []string {
	return sortedKeys(t.connPages[connID])
}

func (t *PresenceTracker) IsViewing(connID, pageID string) bool {
	_, ok := t.connPages[connID][pageID]
	return ok
}

func uniqueByUser(viewers []Viewer) []Viewer {
	index := map[string]int{}
	out := make([]Viewer, 0, len(viewers))
	for _, v := range viewers {
		if i, ok := index[v.UserID]; ok {
			out[i] = v
			continue
		}
		index[v.UserID] = len(out)
		out = append(out, v)
	}
	return out
}
