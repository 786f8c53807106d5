// Copyright 2024-2026 Aiku AI

package session

import (
	"cmp"
	"slices"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Room is a joined room as seen in a sync response.
type Room struct {
	ID             id.RoomID
	CanonicalAlias id.RoomAlias
	Members        []id.UserID
}

// String returns the canonical alias if the room has one, else the room ID.
func (r Room) String() string {
	if r.CanonicalAlias != "" {
		return string(r.CanonicalAlias)
	}
	return string(r.ID)
}

// RoomsFromSync collects joined rooms from a sync response, sorted by ID.
// Only state delivered in this response is seen, so an incremental sync
// yields partial member lists and aliases.
func RoomsFromSync(resp *mautrix.RespSync) []Room {
	rooms := make([]Room, 0, len(resp.Rooms.Join))
	for roomID, joined := range resp.Rooms.Join {
		room := Room{ID: roomID}
		members := make(map[id.UserID]bool)
		for _, evts := range [][]*event.Event{joined.State.Events, joined.Timeline.Events} {
			for _, evt := range evts {
				applyRoomEvent(&room, members, evt)
			}
		}
		for userID, isJoined := range members {
			if isJoined {
				room.Members = append(room.Members, userID)
			}
		}
		slices.Sort(room.Members)
		rooms = append(rooms, room)
	}
	slices.SortFunc(rooms, func(a, b Room) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return rooms
}

func applyRoomEvent(room *Room, members map[id.UserID]bool, evt *event.Event) {
	if evt == nil || evt.StateKey == nil {
		return
	}
	switch evt.Type.Type {
	case event.StateCanonicalAlias.Type:
		// Already parsed content makes ParseRaw fail harmlessly.
		_ = evt.Content.ParseRaw(event.StateCanonicalAlias)
		room.CanonicalAlias = evt.Content.AsCanonicalAlias().Alias
	case event.StateMember.Type:
		_ = evt.Content.ParseRaw(event.StateMember)
		members[id.UserID(*evt.StateKey)] = evt.Content.AsMember().Membership == event.MembershipJoin
	}
}
