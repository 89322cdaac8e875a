// Package state exports and applies cluster configuration snapshots.
//
// A snapshot is the portable part of the database: tenants with their
// secrets and override rules, and servers with their shared secrets. It is
// what an operator needs to rebuild a balancer or keep a standby in sync.
// Runtime state (meetings, health, load, recordings) never travels with it.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"

	"github.com/bbblb/bbblb/pkg/models"
	"github.com/bbblb/bbblb/pkg/store"
)

// Snapshot is the on-disk shape of an exported cluster configuration.
// Entries are ordered by name and domain so exports diff cleanly.
type Snapshot struct {
	Tenants []TenantEntry `json:"tenants"`
	Servers []ServerEntry `json:"servers"`
}

// TenantEntry carries one tenant's configuration including its checksum
// secret and create-parameter override rules.
type TenantEntry struct {
	Name      string               `json:"name"`
	Realm     string               `json:"realm"`
	Secret    string               `json:"secret"`
	Enabled   bool                 `json:"enabled"`
	Overrides map[string][2]string `json:"overrides,omitempty"`
}

// ServerEntry carries one backend server's configuration. Health and load
// are poll-driven and deliberately absent; a restored server starts OFFLINE
// and has to pass health checks like any new one.
type ServerEntry struct {
	Domain  string `json:"domain"`
	Secret  string `json:"secret"`
	Enabled bool   `json:"enabled"`
	Label   string `json:"label,omitempty"`
}

// Options control how Apply treats rows that exist in the store but are
// absent from the snapshot.
type Options struct {
	// Prune removes obsolete tenants and servers instead of disabling
	// them. Rows that still host live meetings are disabled regardless.
	Prune bool

	// DryRun computes the change report without touching the store.
	DryRun bool
}

// Report lists the changes Apply made, or would make in dry-run mode, one
// human-readable line per change.
type Report struct {
	Changes []string
}

// Empty reports whether the snapshot already matched the stored state.
func (r *Report) Empty() bool { return len(r.Changes) == 0 }

func (r *Report) add(format string, args ...any) {
	r.Changes = append(r.Changes, fmt.Sprintf(format, args...))
}

// Export writes the current tenant and server configuration to w as
// indented JSON with a trailing newline.
func Export(ctx context.Context, st *store.GORMStore, w io.Writer) error {
	snap, err := Collect(ctx, st)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(raw, '\n'))
	return err
}

// Collect builds a snapshot of the current tenant and server configuration.
func Collect(ctx context.Context, st *store.GORMStore) (*Snapshot, error) {
	tenants, err := st.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	servers, err := st.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}

	snap := &Snapshot{
		Tenants: make([]TenantEntry, 0, len(tenants)),
		Servers: make([]ServerEntry, 0, len(servers)),
	}
	for _, tenant := range tenants {
		rules, err := tenant.OverrideMap()
		if err != nil {
			return nil, err
		}
		if len(rules) == 0 {
			rules = nil
		}
		snap.Tenants = append(snap.Tenants, TenantEntry{
			Name:      tenant.Name,
			Realm:     tenant.Realm,
			Secret:    tenant.Secret,
			Enabled:   tenant.Enabled,
			Overrides: rules,
		})
	}
	for _, server := range servers {
		snap.Servers = append(snap.Servers, ServerEntry{
			Domain:  server.Domain,
			Secret:  server.Secret,
			Enabled: server.Enabled,
			Label:   server.Label,
		})
	}
	return snap, nil
}

// Apply reads a snapshot from r and reconciles the store against it.
// Tenants and servers named in the snapshot are created or updated to match;
// rows absent from it are disabled, or removed when opts.Prune is set.
// Applying the same snapshot twice yields an empty report.
//
// Secret values never appear in the report; everything else is logged with
// its old and new value.
func Apply(ctx context.Context, st *store.GORMStore, r io.Reader, opts Options) (*Report, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	report := &Report{}
	if err := applyServers(ctx, st, &snap, opts, report); err != nil {
		return report, err
	}
	if err := applyTenants(ctx, st, &snap, opts, report); err != nil {
		return report, err
	}
	return report, nil
}

func applyServers(ctx context.Context, st *store.GORMStore, snap *Snapshot, opts Options, report *Report) error {
	existing, err := st.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	current := make(map[string]*models.Server, len(existing))
	for _, server := range existing {
		current[server.Domain] = server
	}

	seen := make(map[string]bool, len(snap.Servers))
	for _, entry := range snap.Servers {
		if entry.Domain == "" {
			return errors.New("snapshot contains a server without a domain")
		}
		if seen[entry.Domain] {
			return fmt.Errorf("duplicate server %q in snapshot", entry.Domain)
		}
		seen[entry.Domain] = true

		server, ok := current[entry.Domain]
		if !ok {
			report.add("NEW server %s", entry.Domain)
			if opts.DryRun {
				continue
			}
			_, err := st.CreateServer(ctx, &models.Server{
				Domain:  entry.Domain,
				Secret:  entry.Secret,
				Enabled: entry.Enabled,
				Label:   entry.Label,
			})
			if err != nil {
				return fmt.Errorf("create server %s: %w", entry.Domain, err)
			}
			continue
		}

		changed := false
		if server.Secret != entry.Secret {
			report.add("CHANGE server %s secret", entry.Domain)
			server.Secret = entry.Secret
			changed = true
		}
		if server.Enabled != entry.Enabled {
			report.add("CHANGE server %s enabled %t -> %t", entry.Domain, server.Enabled, entry.Enabled)
			server.Enabled = entry.Enabled
			changed = true
		}
		if server.Label != entry.Label {
			report.add("CHANGE server %s label %q -> %q", entry.Domain, server.Label, entry.Label)
			server.Label = entry.Label
			changed = true
		}
		if changed && !opts.DryRun {
			if err := st.UpdateServer(ctx, server); err != nil {
				return fmt.Errorf("update server %s: %w", entry.Domain, err)
			}
		}
	}

	for _, server := range existing {
		if seen[server.Domain] {
			continue
		}
		if !opts.Prune {
			if server.Enabled {
				report.add("DISABLE server %s", server.Domain)
				if !opts.DryRun {
					if err := st.SetServerEnabled(ctx, server.Domain, false); err != nil {
						return fmt.Errorf("disable server %s: %w", server.Domain, err)
					}
				}
			}
			continue
		}
		report.add("REMOVE server %s", server.Domain)
		if opts.DryRun {
			continue
		}
		if err := st.RemoveServer(ctx, server.Domain, false); err != nil {
			if errors.Is(err, models.ErrServerHasMeeting) {
				report.add("KEEP server %s (hosts meetings, disabled instead)", server.Domain)
				continue
			}
			return fmt.Errorf("remove server %s: %w", server.Domain, err)
		}
	}
	return nil
}

func applyTenants(ctx context.Context, st *store.GORMStore, snap *Snapshot, opts Options, report *Report) error {
	existing, err := st.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	current := make(map[string]*models.Tenant, len(existing))
	for _, tenant := range existing {
		current[tenant.Name] = tenant
	}

	seen := make(map[string]bool, len(snap.Tenants))
	for _, entry := range snap.Tenants {
		if entry.Name == "" {
			return errors.New("snapshot contains a tenant without a name")
		}
		if seen[entry.Name] {
			return fmt.Errorf("duplicate tenant %q in snapshot", entry.Name)
		}
		seen[entry.Name] = true

		tenant, ok := current[entry.Name]
		if !ok {
			report.add("NEW tenant %s", entry.Name)
			if opts.DryRun {
				continue
			}
			created := &models.Tenant{
				Name:    entry.Name,
				Realm:   entry.Realm,
				Secret:  entry.Secret,
				Enabled: entry.Enabled,
			}
			if err := created.SetOverrideMap(entry.Overrides); err != nil {
				return fmt.Errorf("tenant %s overrides: %w", entry.Name, err)
			}
			if _, err := st.CreateTenant(ctx, created); err != nil {
				return fmt.Errorf("create tenant %s: %w", entry.Name, err)
			}
			continue
		}

		rules, err := tenant.OverrideMap()
		if err != nil {
			return err
		}

		changed := false
		if tenant.Realm != entry.Realm {
			report.add("CHANGE tenant %s realm %q -> %q", entry.Name, tenant.Realm, entry.Realm)
			tenant.Realm = entry.Realm
			changed = true
		}
		if tenant.Secret != entry.Secret {
			report.add("CHANGE tenant %s secret", entry.Name)
			tenant.Secret = entry.Secret
			changed = true
		}
		if tenant.Enabled != entry.Enabled {
			report.add("CHANGE tenant %s enabled %t -> %t", entry.Name, tenant.Enabled, entry.Enabled)
			tenant.Enabled = entry.Enabled
			changed = true
		}
		if !maps.Equal(rules, entry.Overrides) {
			report.add("CHANGE tenant %s overrides", entry.Name)
			if err := tenant.SetOverrideMap(entry.Overrides); err != nil {
				return fmt.Errorf("tenant %s overrides: %w", entry.Name, err)
			}
			changed = true
		}
		if changed && !opts.DryRun {
			if err := st.UpdateTenant(ctx, tenant); err != nil {
				return fmt.Errorf("update tenant %s: %w", entry.Name, err)
			}
		}
	}

	for _, tenant := range existing {
		if seen[tenant.Name] {
			continue
		}
		if !opts.Prune {
			if tenant.Enabled {
				report.add("DISABLE tenant %s", tenant.Name)
				if !opts.DryRun {
					if err := st.SetTenantEnabled(ctx, tenant.Name, false); err != nil {
						return fmt.Errorf("disable tenant %s: %w", tenant.Name, err)
					}
				}
			}
			continue
		}
		report.add("REMOVE tenant %s", tenant.Name)
		if opts.DryRun {
			continue
		}
		if err := st.RemoveTenant(ctx, tenant.Name, false); err != nil {
			if errors.Is(err, models.ErrTenantHasMeeting) {
				report.add("KEEP tenant %s (has live meetings, disabled instead)", tenant.Name)
				continue
			}
			return fmt.Errorf("remove tenant %s: %w", tenant.Name, err)
		}
	}
	return nil
}
