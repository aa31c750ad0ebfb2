package router

import (
	"errors"
	"reflect"
	"testing"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

type resolveCase struct{ channel, user string }

var resolveCases = []resolveCase{
	{"web", "alice"},
	{"web", "dev-bob"},
	{"telegram", "dev-bob"},
	{"discord", "carol"},
	{"api", "vip-1"},
}

func seedRegistries(t *testing.T, r *Router) {
	t.Helper()
	if _, err := r.SpawnAgent("Lisa", []string{"chat"}, nil, WithAgentID("default")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SpawnAgent("Coder", []string{"code"}, &protocol.AgentRoute{Priority: 10, UserPatterns: []string{"dev-*"}, ChannelTypes: []string{"web"}}, WithAgentID("coder")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SpawnAgent("Concierge", nil, &protocol.AgentRoute{Priority: 10, UserPatterns: []string{"vip-*"}}, WithAgentID("concierge")); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(protocol.AgentRoute{AgentID: "default", Priority: 1, ChannelTypes: []string{"telegram"}}); err != nil {
		t.Fatal(err)
	}
	for _, sk := range []protocol.InstalledSkill{
		{Name: "weather", Version: "1.0.0", EntryPoint: "weather/main", Enabled: true},
		{Name: "calendar", Version: "0.3.0", EntryPoint: "calendar/main", Enabled: false},
	} {
		if err := r.InstallSkill(sk); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	src := newTestRouter(t, Options{DefaultAgentID: "default"})
	seedRegistries(t, src)
	snap := src.Export()

	if snap.Version != protocol.SnapshotVersion || len(snap.Agents) != 3 || len(snap.Routes) != 3 || len(snap.Skills) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}

	dst := newTestRouter(t, Options{})
	if err := dst.Import(snap); err != nil {
		t.Fatalf("Import: %v", err)
	}

	for _, c := range resolveCases {
		want := src.ResolveAgent(c.channel, c.user)
		if got := dst.ResolveAgent(c.channel, c.user); got != want {
			t.Errorf("resolve(%s, %s) = %q, want %q", c.channel, c.user, got, want)
		}
	}
	if !reflect.DeepEqual(dst.ListSkills(), src.ListSkills()) {
		t.Errorf("skills = %+v, want %+v", dst.ListSkills(), src.ListSkills())
	}
	if !reflect.DeepEqual(dst.Routes(), src.Routes()) {
		t.Errorf("routes = %+v, want %+v", dst.Routes(), src.Routes())
	}
	var ids []string
	for _, a := range dst.ListAgents() {
		ids = append(ids, a.ID)
	}
	if !reflect.DeepEqual(ids, []string{"default", "coder", "concierge"}) {
		t.Errorf("agents = %v", ids)
	}

	// Re-importing the snapshot changes nothing.
	if err := dst.Import(dst.Export()); err != nil {
		t.Fatal(err)
	}
	if len(dst.ListAgents()) != 3 || len(dst.Routes()) != 3 || len(dst.ListSkills()) != 2 {
		t.Errorf("second import changed state: %d agents, %d routes, %d skills",
			len(dst.ListAgents()), len(dst.Routes()), len(dst.ListSkills()))
	}
}

func TestImport_KeepsRunningAgentsAndSessions(t *testing.T) {
	r := newTestRouter(t, Options{DefaultAgentID: "default"})
	seedRegistries(t, r)
	sess := mustCreate(t, r, "dev-bob", "web")

	if err := r.Import(r.Export()); err != nil {
		t.Fatal(err)
	}
	if r.GetSession(sess.ID) == nil {
		t.Error("import must not close live sessions")
	}
	if got := r.GetAgent("coder").SessionIDs; len(got) != 1 {
		t.Errorf("coder sessions = %v", got)
	}
}

func TestImport_Rejects(t *testing.T) {
	r := newTestRouter(t, Options{})
	cases := map[string]protocol.ConfigSnapshot{
		"future version":      {Version: protocol.SnapshotVersion + 1},
		"route without agent": {Version: 1, Routes: []protocol.AgentRoute{{Priority: 1}}},
		"duplicate skill":     {Version: 1, Skills: []protocol.InstalledSkill{{Name: "a"}, {Name: "a"}}},
		"agent without id":    {Version: 1, Agents: []protocol.AgentSpec{{Name: "x"}}},
	}
	for name, snap := range cases {
		t.Run(name, func(t *testing.T) {
			if err := r.Import(snap); err == nil {
				t.Error("expected error")
			}
		})
	}
	if err := r.Import(protocol.ConfigSnapshot{Version: 99}); !errors.Is(err, ErrSnapshotVersion) {
		t.Errorf("err = %v, want ErrSnapshotVersion", err)
	}
}
