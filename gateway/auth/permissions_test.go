package auth

import (
	"testing"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

func TestPermissionsFor(t *testing.T) {
	admin := PermissionsFor(RoleAdmin)
	for _, p := range allPermissions {
		if !admin.Has(p) {
			t.Errorf("admin missing %s", p)
		}
	}

	user := PermissionsFor(RoleUser)
	if !user.Has(PermSessionsCreate) || !user.Has(PermToolsInvoke) {
		t.Error("user should create sessions and invoke tools")
	}
	if user.Has(PermAgentsWrite) || user.Has(PermSkillsWrite) || user.Has(PermConfigWrite) {
		t.Error("user should not manage agents, skills or config")
	}

	guest := PermissionsFor(RoleGuest)
	if !guest.Has(PermSessionsRead) || !guest.Has(PermMessagesSend) {
		t.Error("guest should read sessions and send messages")
	}
	if guest.Has(PermSessionsCreate) {
		t.Error("guest should not create sessions")
	}

	// Returned maps are independent copies.
	guest[PermAgentsWrite] = true
	if PermissionsFor(RoleGuest).Has(PermAgentsWrite) {
		t.Error("mutating a returned map leaked into the role table")
	}

	if len(PermissionsFor(Role("nobody"))) != 0 {
		t.Error("unknown role should have no permissions")
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		role    Role
		msgType string
		want    bool
	}{
		{RoleAdmin, protocol.TypeAgentSpawn, true},
		{RoleUser, protocol.TypeAgentSpawn, false},
		{RoleUser, protocol.TypeAgentList, true},
		{RoleUser, protocol.TypeSessionCreate, true},
		{RoleGuest, protocol.TypeSessionCreate, false},
		{RoleGuest, protocol.TypeMessageSend, true},
		{RoleGuest, protocol.TypeSkillInstall, false},
		// Unmapped types are open to every registered client.
		{RoleGuest, protocol.TypePresenceUpdate, true},
		{RoleGuest, "custom.event", true},
	}
	for _, tt := range tests {
		if got := Allowed(tt.role, tt.msgType); got != tt.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tt.role, tt.msgType, got, tt.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	if ParseRole("admin") != RoleAdmin || ParseRole("guest") != RoleGuest {
		t.Error("known roles not parsed")
	}
	if ParseRole("") != RoleUser || ParseRole("superuser") != RoleUser {
		t.Error("unknown roles should map to user")
	}
}
