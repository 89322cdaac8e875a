// Package api implements the HTTP surfaces of the balancer: the public
// BBB-compatible API mounted at /bigbluebutton/api that mediates between
// frontends and backend servers, and the private surface under /api/v1 that
// receives backend callbacks and recording uploads.
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/bbblb/bbblb/internal/logging"
	"github.com/bbblb/bbblb/internal/webhook"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/store"
)

// Importer is the recording pipeline as seen from the HTTP surface. The
// balancer runs without one when no recording storage is configured; the
// recording endpoints then refuse disk operations.
type Importer interface {
	// StartImport ingests a tar stream. It blocks until the stream has been
	// fully consumed, bounded by the importer's worker pool, and returns the
	// job ID assigned to the import.
	StartImport(ctx context.Context, stream io.Reader, forceTenant string) (string, error)

	// Publish moves a recording's formats into their public directories.
	Publish(tenant, recordID string) error

	// Unpublish hides a recording's formats in the unpublished/ sibling.
	Unpublish(tenant, recordID string) error

	// Delete removes a recording's published and unpublished trees.
	Delete(tenant, recordID string) error

	// PatchMetadata applies a metadata patch to the stored metadata.xml of
	// every format of a recording. Missing recordings are not an error.
	PatchMetadata(tenant, recordID string, patch map[string]string) error
}

// API holds the dependencies shared by all HTTP handlers.
type API struct {
	store    *store.GORMStore
	cfg      *config.Config
	importer Importer
	http     *http.Client
	hooks    *webhook.Deliverer
	tasks    *supervisor
	log      zerolog.Logger
}

// New assembles the HTTP surface. importer may be nil when recording storage
// is not configured. A nil httpClient falls back to a client without a
// global timeout; backend calls are bounded per request instead, so that
// streamed bodies are not cut off mid-transfer.
func New(st *store.GORMStore, cfg *config.Config, importer Importer, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	log := logging.WithComponent("api")
	return &API{
		store:    st,
		cfg:      cfg,
		importer: importer,
		http:     httpClient,
		hooks:    webhook.New(httpClient, cfg.WebhookRetry, log),
		tasks:    newSupervisor(log),
		log:      log,
	}
}

// Start implements registry.Service. Background forwards are spawned on
// demand, so there is nothing to start.
func (a *API) Start(ctx context.Context) error {
	return nil
}

// Stop drains outstanding background tasks (callback forwards, disk
// deletions). Tasks still running when ctx expires are canceled.
func (a *API) Stop(ctx context.Context) error {
	return a.tasks.stop(ctx)
}
