// Copyright 2024-2026 Aiku AI

package session

import "slices"

// ssoOnlyServers lists homeservers that do not accept password login.
var ssoOnlyServers = [...]string{
	"matrix.org",
	"mozilla.org",
	"gitter.im",
}

// RequiresSSO reports whether serverName only accepts SSO login. The
// decision is by list membership only; the server is never contacted.
func RequiresSSO(serverName string) bool {
	return slices.Contains(ssoOnlyServers[:], serverName)
}
