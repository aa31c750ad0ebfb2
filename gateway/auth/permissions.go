package auth

import "github.com/lisa-ai/lisa/pkg/protocol"

// Role is the access level assigned to a registered client.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// ParseRole maps a claim value to a Role. Unknown values become RoleUser.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin, RoleUser, RoleGuest:
		return Role(s)
	}
	return RoleUser
}

// Permission is a single capability checked before dispatch.
type Permission string

const (
	PermSessionsCreate Permission = "sessions.create"
	PermSessionsRead   Permission = "sessions.read"
	PermSessionsWrite  Permission = "sessions.write"
	PermMessagesSend   Permission = "messages.send"
	PermToolsInvoke    Permission = "tools.invoke"
	PermSkillsRead     Permission = "skills.read"
	PermSkillsWrite    Permission = "skills.write"
	PermAgentsRead     Permission = "agents.read"
	PermAgentsWrite    Permission = "agents.write"
	PermChannelsRead   Permission = "channels.read"
	PermChannelsWrite  Permission = "channels.write"
	PermConfigRead     Permission = "config.read"
	PermConfigWrite    Permission = "config.write"
)

var allPermissions = []Permission{
	PermSessionsCreate, PermSessionsRead, PermSessionsWrite,
	PermMessagesSend, PermToolsInvoke,
	PermSkillsRead, PermSkillsWrite,
	PermAgentsRead, PermAgentsWrite,
	PermChannelsRead, PermChannelsWrite,
	PermConfigRead, PermConfigWrite,
}

var rolePermissions = map[Role][]Permission{
	RoleAdmin: allPermissions,
	RoleUser: {
		PermSessionsCreate, PermSessionsRead, PermSessionsWrite,
		PermMessagesSend, PermToolsInvoke,
		PermSkillsRead, PermAgentsRead, PermChannelsRead,
	},
	RoleGuest: {PermSessionsRead, PermMessagesSend},
}

// messagePermissions maps inbound message types to the capability they need.
// Types absent from the table are open to any registered client.
var messagePermissions = map[string]Permission{
	protocol.TypeSessionCreate:      PermSessionsCreate,
	protocol.TypeSessionUpdate:      PermSessionsWrite,
	protocol.TypeSessionClose:       PermSessionsWrite,
	protocol.TypeSessionList:        PermSessionsRead,
	protocol.TypeSessionSubscribe:   PermSessionsRead,
	protocol.TypeSessionUnsubscribe: PermSessionsRead,
	protocol.TypeMessageSend:        PermMessagesSend,
	protocol.TypeMessageStream:      PermMessagesSend,
	protocol.TypeToolInvoke:         PermToolsInvoke,
	protocol.TypeToolResult:         PermToolsInvoke,
	protocol.TypeSkillInstall:       PermSkillsWrite,
	protocol.TypeSkillUninstall:     PermSkillsWrite,
	protocol.TypeSkillList:          PermSkillsRead,
	protocol.TypeChannelConnect:     PermChannelsWrite,
	protocol.TypeChannelDisconnect:  PermChannelsWrite,
	protocol.TypeChannelStatus:      PermChannelsRead,
	protocol.TypeAgentSpawn:         PermAgentsWrite,
	protocol.TypeAgentStop:          PermAgentsWrite,
	protocol.TypeAgentList:          PermAgentsRead,
}

// Permissions is a role's capability map.
type Permissions map[Permission]bool

// Has reports whether the capability is granted.
func (p Permissions) Has(perm Permission) bool {
	return p[perm]
}

// PermissionsFor returns a fresh capability map for role.
func PermissionsFor(role Role) Permissions {
	perms := make(Permissions, len(allPermissions))
	for _, p := range rolePermissions[role] {
		perms[p] = true
	}
	return perms
}

// RequiredPermission returns the capability needed for a message type.
func RequiredPermission(msgType string) (Permission, bool) {
	p, ok := messagePermissions[msgType]
	return p, ok
}

// Allowed reports whether role may send msgType.
func Allowed(role Role, msgType string) bool {
	perm, ok := RequiredPermission(msgType)
	if !ok {
		return true
	}
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
