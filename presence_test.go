package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func viewer(userID, connID, name string) Viewer {
	return Viewer{UserID: userID, ConnID: connID, DisplayName: name}
}

func TestPresence_AddViewer_Returns_Full_List(t *testing.T) {
	req := require.New(t)
	tr := NewPresenceTracker()

	tr.AddViewer("page-1", "drive-1", viewer("u1", "c1", "Ada"))
	viewers := tr.AddViewer("page-1", "drive-1", viewer("u1", "c2", "Ada"))

	req.Len(viewers, 2)
	req.Equal("c1", viewers[0].ConnID)
	req.Equal("c2", viewers[1].ConnID)
	driveID, ok := tr.GetDriveID("page-1")
	req.True(ok)
	req.Equal("drive-1", driveID)
	req.Equal([]string{"page-1"}, tr.GetPagesForSocket("c1"))
}

func TestPresence_Readd_Overwrites_In_Place(t *testing.T) {
	req := require.New(t)
	tr := NewPresenceTracker()
	tr.AddViewer("page-1", "drive-1", viewer("u1", "c1", "Ada"))
	tr.AddViewer("page-1", "drive-1", viewer("u2", "c2", "Bob"))

	viewers := tr.AddViewer("page-1", "drive-1", viewer("u1", "c1", "Ada L."))

	req.Len(viewers, 2)
	req.Equal("Ada L.", viewers[0].DisplayName)
	req.Equal("c2", viewers[1].ConnID)
}

func TestPresence_RemoveViewer(t *testing.T) {
	req := require.New(t)
	tr := NewPresenceTracker()
	tr.AddViewer("page-1", "drive-1", viewer("u1", "c1", "Ada"))
	tr.AddViewer("page-1", "drive-1", viewer("u2", "c2", "Bob"))

	remaining := tr.RemoveViewer("c1", "page-1")
	req.Equal([]Viewer{viewer("u2", "c2", "Bob")}, remaining)
	req.Empty(tr.GetPagesForSocket("c1"))

	remaining = tr.RemoveViewer("c2", "page-1")
	req.Empty(remaining)
	_, ok := tr.GetDriveID("page-1")
	req.False(ok, "drive id must not outlive the last viewer")
	req.NotContains(tr.pages, "page-1")

	req.Empty(tr.RemoveViewer("c2", "never-tracked"))
}

func TestPresence_RemoveSocket_Reports_Every_Page(t *testing.T) {
	req := require.New(t)
	tr := NewPresenceTracker()
	tr.AddViewer("page-1", "drive-1", viewer("u1", "c1", "Ada"))
	tr.AddViewer("page-2", "drive-1", viewer("u1", "c1", "Ada"))
	tr.AddViewer("page-2", "drive-1", viewer("u2", "c2", "Bob"))

	updates := tr.RemoveSocket("c1")

	req.Equal([]PageViewers{
		{PageID: "page-1", DriveID: "drive-1", Viewers: []Viewer{}},
		{PageID: "page-2", DriveID: "drive-1", Viewers: []Viewer{viewer("u2", "c2", "Bob")}},
	}, updates)
	req.NotContains(tr.connPages, "c1")
	req.NotContains(tr.pages, "page-1")
	req.Empty(tr.GetPagesForSocket("c1"))
}

func TestPresence_RemoveSocket_Without_Pages(t *testing.T) {
	req := require.New(t)
	tr := NewPresenceTracker()

	req.Empty(tr.RemoveSocket("c1"))
	req.Empty(tr.connPages)
}

func TestPresence_Unique_Viewers_One_Per_User(t *testing.T) {
	req := require.New(t)
	tr := NewPresenceTracker()
	tr.AddViewer("page-1", "", viewer("u1", "c1", "Ada (tab 1)"))
	tr.AddViewer("page-1", "", viewer("u2", "c2", "Bob"))
	tr.AddViewer("page-1", "", viewer("u1", "c3", "Ada (tab 2)"))

	raw := tr.GetViewers("page-1")
	unique := tr.GetUniqueViewers("page-1")

	req.Len(raw, 3)
	req.Len(unique, 2)
	req.Equal("u1", unique[0].UserID)
	req.Equal("Ada (tab 2)", unique[0].DisplayName, "last connection seen supplies the identity")
	req.Equal("u2", unique[1].UserID)
	_, ok := tr.GetDriveID("page-1")
	req.False(ok)
}
