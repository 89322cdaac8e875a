package state

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bbblb/bbblb/pkg/models"
	"github.com/bbblb/bbblb/pkg/store"
)

const (
	testTenantSecret  = "tenant-secret-0123456789abcdef-0123456789"
	testRotatedSecret = "rotated-secret-0123456789abcdef-012345678"
	testBackendSecret = "backend-secret-0123456789abcdef-012345678"
)

func newStateStore(t *testing.T) *store.GORMStore {
	t.Helper()
	st, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedTenant(t *testing.T, st *store.GORMStore, name string, enabled bool, overrides map[string][2]string) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{
		Name:    name,
		Realm:   name + ".example.com",
		Secret:  testTenantSecret,
		Enabled: enabled,
	}
	require.NoError(t, tenant.SetOverrideMap(overrides))
	id, err := st.CreateTenant(context.Background(), tenant)
	require.NoError(t, err)
	tenant.ID = id
	return tenant
}

func seedServer(t *testing.T, st *store.GORMStore, domain string, enabled bool, label string) *models.Server {
	t.Helper()
	server := &models.Server{
		Domain:  domain,
		Secret:  testBackendSecret,
		Enabled: enabled,
		Label:   label,
	}
	id, err := st.CreateServer(context.Background(), server)
	require.NoError(t, err)
	server.ID = id
	return server
}

func applySnapshot(t *testing.T, st *store.GORMStore, snap *Snapshot, opts Options) *Report {
	t.Helper()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	report, err := Apply(context.Background(), st, bytes.NewReader(raw), opts)
	require.NoError(t, err)
	return report
}

func TestExportSnapshot(t *testing.T) {
	st := newStateStore(t)
	seedTenant(t, st, "zeta", false, nil)
	seedTenant(t, st, "acme", true, map[string][2]string{"muteOnStart": {"set", "true"}})
	seedServer(t, st, "bbb2.example.com", true, "rack-2")
	seedServer(t, st, "bbb1.example.com", false, "")

	var buf bytes.Buffer
	require.NoError(t, Export(context.Background(), st, &buf))
	require.True(t, strings.HasSuffix(buf.String(), "\n"))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &snap))

	require.Len(t, snap.Tenants, 2)
	require.Equal(t, "acme", snap.Tenants[0].Name)
	require.Equal(t, "acme.example.com", snap.Tenants[0].Realm)
	require.Equal(t, testTenantSecret, snap.Tenants[0].Secret)
	require.True(t, snap.Tenants[0].Enabled)
	require.Equal(t, map[string][2]string{"muteOnStart": {"set", "true"}}, snap.Tenants[0].Overrides)
	require.Equal(t, "zeta", snap.Tenants[1].Name)
	require.False(t, snap.Tenants[1].Enabled)
	require.Nil(t, snap.Tenants[1].Overrides)

	require.Len(t, snap.Servers, 2)
	require.Equal(t, "bbb1.example.com", snap.Servers[0].Domain)
	require.False(t, snap.Servers[0].Enabled)
	require.Equal(t, "bbb2.example.com", snap.Servers[1].Domain)
	require.Equal(t, "rack-2", snap.Servers[1].Label)
	require.Equal(t, testBackendSecret, snap.Servers[1].Secret)
}

func TestApplyCreatesEverything(t *testing.T) {
	st := newStateStore(t)
	snap := &Snapshot{
		Tenants: []TenantEntry{{
			Name:      "acme",
			Realm:     "acme.example.com",
			Secret:    testTenantSecret,
			Enabled:   true,
			Overrides: map[string][2]string{"record": {"force", "false"}},
		}},
		Servers: []ServerEntry{{
			Domain:  "bbb1.example.com",
			Secret:  testBackendSecret,
			Enabled: true,
			Label:   "rack-1",
		}},
	}

	report := applySnapshot(t, st, snap, Options{})
	require.ElementsMatch(t, []string{
		"NEW server bbb1.example.com",
		"NEW tenant acme",
	}, report.Changes)

	tenant, err := st.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, "acme.example.com", tenant.Realm)
	require.True(t, tenant.Enabled)
	rules, err := tenant.OverrideMap()
	require.NoError(t, err)
	require.Equal(t, map[string][2]string{"record": {"force", "false"}}, rules)

	server, err := st.GetServer(context.Background(), "bbb1.example.com")
	require.NoError(t, err)
	require.Equal(t, testBackendSecret, server.Secret)
	require.Equal(t, "rack-1", server.Label)
	require.Equal(t, models.HealthOffline, server.Health)

	// Applying the same snapshot again is a no-op.
	report = applySnapshot(t, st, snap, Options{})
	require.True(t, report.Empty())
}

func TestExportApplyRoundTrip(t *testing.T) {
	source := newStateStore(t)
	seedTenant(t, source, "acme", true, map[string][2]string{"logo": {"unset", ""}})
	seedTenant(t, source, "globex", false, nil)
	seedServer(t, source, "bbb1.example.com", true, "rack-1")
	seedServer(t, source, "bbb2.example.com", false, "")

	var exported bytes.Buffer
	require.NoError(t, Export(context.Background(), source, &exported))

	replica := newStateStore(t)
	report, err := Apply(context.Background(), replica, bytes.NewReader(exported.Bytes()), Options{})
	require.NoError(t, err)
	require.Len(t, report.Changes, 4)

	var reExported bytes.Buffer
	require.NoError(t, Export(context.Background(), replica, &reExported))
	require.Equal(t, exported.String(), reExported.String())
}

func TestApplyUpdatesChangedFields(t *testing.T) {
	st := newStateStore(t)
	seedTenant(t, st, "acme", true, nil)
	seedServer(t, st, "bbb1.example.com", true, "rack-1")

	snap := &Snapshot{
		Tenants: []TenantEntry{{
			Name:      "acme",
			Realm:     "meet.acme.example.com",
			Secret:    testRotatedSecret,
			Enabled:   false,
			Overrides: map[string][2]string{"muteOnStart": {"set", "true"}},
		}},
		Servers: []ServerEntry{{
			Domain:  "bbb1.example.com",
			Secret:  testRotatedSecret,
			Enabled: false,
			Label:   "rack-9",
		}},
	}

	report := applySnapshot(t, st, snap, Options{})
	require.ElementsMatch(t, []string{
		"CHANGE server bbb1.example.com secret",
		"CHANGE server bbb1.example.com enabled true -> false",
		`CHANGE server bbb1.example.com label "rack-1" -> "rack-9"`,
		`CHANGE tenant acme realm "acme.example.com" -> "meet.acme.example.com"`,
		"CHANGE tenant acme secret",
		"CHANGE tenant acme enabled true -> false",
		"CHANGE tenant acme overrides",
	}, report.Changes)
	for _, line := range report.Changes {
		require.NotContains(t, line, testRotatedSecret)
		require.NotContains(t, line, testTenantSecret)
	}

	tenant, err := st.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, "meet.acme.example.com", tenant.Realm)
	require.Equal(t, testRotatedSecret, tenant.Secret)
	require.False(t, tenant.Enabled)
	rules, err := tenant.OverrideMap()
	require.NoError(t, err)
	require.Equal(t, map[string][2]string{"muteOnStart": {"set", "true"}}, rules)

	server, err := st.GetServer(context.Background(), "bbb1.example.com")
	require.NoError(t, err)
	require.Equal(t, testRotatedSecret, server.Secret)
	require.False(t, server.Enabled)
	require.Equal(t, "rack-9", server.Label)

	report = applySnapshot(t, st, snap, Options{})
	require.True(t, report.Empty())
}

func TestApplyDisablesObsolete(t *testing.T) {
	st := newStateStore(t)
	seedTenant(t, st, "acme", true, nil)
	seedServer(t, st, "bbb1.example.com", true, "")

	report := applySnapshot(t, st, &Snapshot{}, Options{})
	require.ElementsMatch(t, []string{
		"DISABLE server bbb1.example.com",
		"DISABLE tenant acme",
	}, report.Changes)

	tenant, err := st.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	require.False(t, tenant.Enabled)
	server, err := st.GetServer(context.Background(), "bbb1.example.com")
	require.NoError(t, err)
	require.False(t, server.Enabled)

	// Already disabled rows are left alone on the next run.
	report = applySnapshot(t, st, &Snapshot{}, Options{})
	require.True(t, report.Empty())
}

func TestApplyPruneRemovesObsolete(t *testing.T) {
	st := newStateStore(t)
	seedTenant(t, st, "acme", true, nil)
	seedServer(t, st, "bbb1.example.com", true, "")

	report := applySnapshot(t, st, &Snapshot{}, Options{Prune: true})
	require.ElementsMatch(t, []string{
		"REMOVE server bbb1.example.com",
		"REMOVE tenant acme",
	}, report.Changes)

	_, err := st.GetTenant(context.Background(), "acme")
	require.ErrorIs(t, err, models.ErrTenantNotFound)
	_, err = st.GetServer(context.Background(), "bbb1.example.com")
	require.ErrorIs(t, err, models.ErrServerNotFound)
}

func TestApplyPruneKeepsBusyRows(t *testing.T) {
	st := newStateStore(t)
	tenant := seedTenant(t, st, "acme", true, nil)
	server := &models.Server{
		Domain:  "bbb1.example.com",
		Secret:  testBackendSecret,
		Enabled: true,
		Health:  models.HealthAvailable,
	}
	_, err := st.CreateServer(context.Background(), server)
	require.NoError(t, err)
	_, created, err := st.AcquireMeeting(context.Background(), tenant.ID, "weekly", 1)
	require.NoError(t, err)
	require.True(t, created)

	report := applySnapshot(t, st, &Snapshot{}, Options{Prune: true})
	require.Contains(t, report.Changes, "KEEP server bbb1.example.com (hosts meetings, disabled instead)")
	require.Contains(t, report.Changes, "KEEP tenant acme (has live meetings, disabled instead)")

	stored, err := st.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	require.False(t, stored.Enabled)
	kept, err := st.GetServer(context.Background(), "bbb1.example.com")
	require.NoError(t, err)
	require.False(t, kept.Enabled)
}

func TestApplyDryRunTouchesNothing(t *testing.T) {
	st := newStateStore(t)
	seedServer(t, st, "bbb1.example.com", true, "")

	snap := &Snapshot{
		Tenants: []TenantEntry{{
			Name:    "acme",
			Realm:   "acme.example.com",
			Secret:  testTenantSecret,
			Enabled: true,
		}},
	}
	report := applySnapshot(t, st, snap, Options{DryRun: true})
	require.ElementsMatch(t, []string{
		"DISABLE server bbb1.example.com",
		"NEW tenant acme",
	}, report.Changes)

	_, err := st.GetTenant(context.Background(), "acme")
	require.ErrorIs(t, err, models.ErrTenantNotFound)
	server, err := st.GetServer(context.Background(), "bbb1.example.com")
	require.NoError(t, err)
	require.True(t, server.Enabled)
}

func TestApplyRejectsDuplicates(t *testing.T) {
	st := newStateStore(t)

	tenants := &Snapshot{Tenants: []TenantEntry{
		{Name: "acme", Realm: "a.example.com", Secret: testTenantSecret, Enabled: true},
		{Name: "acme", Realm: "b.example.com", Secret: testTenantSecret, Enabled: true},
	}}
	raw, err := json.Marshal(tenants)
	require.NoError(t, err)
	_, err = Apply(context.Background(), st, bytes.NewReader(raw), Options{})
	require.ErrorContains(t, err, `duplicate tenant "acme"`)

	servers := &Snapshot{Servers: []ServerEntry{
		{Domain: "bbb1.example.com", Secret: testBackendSecret, Enabled: true},
		{Domain: "bbb1.example.com", Secret: testBackendSecret, Enabled: true},
	}}
	raw, err = json.Marshal(servers)
	require.NoError(t, err)
	_, err = Apply(context.Background(), st, bytes.NewReader(raw), Options{})
	require.ErrorContains(t, err, `duplicate server "bbb1.example.com"`)
}

func TestApplyRejectsGarbage(t *testing.T) {
	st := newStateStore(t)
	_, err := Apply(context.Background(), st, strings.NewReader("not json"), Options{})
	require.ErrorContains(t, err, "decode snapshot")
}
