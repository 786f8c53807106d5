// Copyright 2024-2026 Aiku AI

// Package bridgeid recognizes Matrix users that are puppets of accounts on
// another chat network, as created by well-known public bridges.
package bridgeid

import (
	"slices"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Entry is one bridge deployment: the homeserver it runs on and the
// localpart prefix of the puppets it creates.
type Entry struct {
	Server string
	Prefix string
}

// Table is a fixed set of bridge deployments.
type Table struct {
	entries []Entry
}

// NewTable returns a table of the given entries. The slice is copied.
func NewTable(entries ...Entry) Table {
	return Table{entries: slices.Clone(entries)}
}

// Entries returns a copy of the table's entries.
func (t Table) Entries() []Entry {
	return slices.Clone(t.entries)
}

// Classify reports whether userID is a puppet of one of the table's
// bridges: its server must equal an entry's server and its localpart must
// start with that same entry's prefix. IDs that do not parse never match.
func (t Table) Classify(userID id.UserID) bool {
	localpart, server, err := userID.Parse()
	if err != nil {
		return false
	}
	return t.match(localpart, server)
}

// ClassifyString is Classify for raw strings that may not be valid user IDs.
// The server is everything after the last colon and the identifier grammar
// is not checked.
func (t Table) ClassifyString(raw string) bool {
	idx := strings.LastIndexByte(raw, ':')
	if idx < 0 || !strings.HasPrefix(raw, "@") {
		return false
	}
	return t.match(raw[1:idx], raw[idx+1:])
}

func (t Table) match(localpart, server string) bool {
	for _, entry := range t.entries {
		if entry.Server == server && strings.HasPrefix(localpart, entry.Prefix) {
			return true
		}
	}
	return false
}

var telegramBridges = NewTable(
	Entry{Server: "nichi.co", Prefix: "telegram_"},
	Entry{Server: "t2bot.io", Prefix: "telegram_"},
	Entry{Server: "elv.sh", Prefix: "telegram_"},
	Entry{Server: "moe.cat", Prefix: "telegram_"},
	Entry{Server: "neo.angry.im", Prefix: "telegram_"},
	Entry{Server: "tether.kimiblock.top", Prefix: "tg_"},
)

// Telegram returns the table of known public Telegram bridges.
func Telegram() Table {
	return telegramBridges
}

// IsTelegram reports whether userID is a puppet of a known Telegram bridge.
func IsTelegram(userID id.UserID) bool {
	return telegramBridges.Classify(userID)
}

// IsTelegramString is IsTelegram for raw strings.
func IsTelegramString(raw string) bool {
	return telegramBridges.ClassifyString(raw)
}
