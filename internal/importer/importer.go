// Package importer ingests recording archives produced by backend servers
// and owns the on-disk recording storage.
//
// Archives are tar streams whose entries follow the layout
// {tenant}/{recordID}/{format}/..., one directory tree per playback format.
// A worker pool stages each archive under the storage root, swaps the staged
// format directories into place by rename, upserts the database rows and
// fires the recording-ready callbacks intercepted at create time. Publish
// and unpublish move format directories between {tenant}/{recordID}/{format}
// and the {tenant}/{recordID}/unpublished sibling, so publication state
// changes never copy recording files.
package importer

import (
	"archive/tar"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bbblb/bbblb/internal/logging"
	"github.com/bbblb/bbblb/internal/metrics"
	"github.com/bbblb/bbblb/internal/telemetry"
	"github.com/bbblb/bbblb/internal/webhook"
	"github.com/bbblb/bbblb/pkg/bbb"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/models"
	"github.com/bbblb/bbblb/pkg/store"
)

const (
	// stagingName is the directory under the storage root where archives are
	// unpacked before being swapped into place. No tenant may use the name.
	stagingName = "tmp"

	// unpublishedName is the per-recording subdirectory holding formats in
	// the unpublished state. No record ID or format may use the name.
	unpublishedName = "unpublished"

	// metadataFile is the BBB metadata document expected in every format
	// directory of an archive.
	metadataFile = "metadata.xml"
)

// ErrShuttingDown is returned for imports submitted after Stop began.
var ErrShuttingDown = errors.New("importer is shutting down")

// job carries one archive through the worker pool. staged resolves once the
// tar stream has been consumed, done once placement and callbacks finished.
type job struct {
	id          string
	stream      io.Reader
	forceTenant string
	staged      chan error
	done        chan struct{}
	err         error
}

// Importer runs the recording import pipeline and the disk operations of
// the recording API. Construct with New, bring up the pool with Start.
type Importer struct {
	store *store.GORMStore
	cfg   *config.Config
	hooks *webhook.Deliverer
	log   zerolog.Logger

	base    string
	domain  string
	threads int
	queue   chan *job
	quit    chan struct{}

	group  *errgroup.Group
	jobCtx context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool
}

// New wires an importer against the store and configuration. A nil
// httpClient falls back to a client without a global timeout; callback
// deliveries are bounded by the webhook retry budget instead.
func New(st *store.GORMStore, cfg *config.Config, httpClient *http.Client) *Importer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	threads := cfg.RecordingThreads
	if threads < 1 {
		threads = 1
	}
	log := logging.WithComponent("importer")
	return &Importer{
		store:   st,
		cfg:     cfg,
		hooks:   webhook.New(httpClient, cfg.WebhookRetry, log),
		log:     log,
		base:    cfg.RecordingPath,
		domain:  cfg.Domain,
		threads: threads,
		queue:   make(chan *job, threads),
		quit:    make(chan struct{}),
	}
}

// Start creates the storage layout and brings up the worker pool. The pool
// deliberately outlives ctx: jobs accepted before shutdown finish during
// the Stop drain even after the run context is gone.
func (imp *Importer) Start(ctx context.Context) error {
	if imp.base == "" {
		return errors.New("recording path not configured")
	}
	if err := os.MkdirAll(filepath.Join(imp.base, stagingName), 0o755); err != nil {
		return fmt.Errorf("preparing recording storage: %w", err)
	}
	imp.jobCtx, imp.cancel = context.WithCancel(context.WithoutCancel(ctx))
	imp.group = &errgroup.Group{}
	for range imp.threads {
		imp.group.Go(func() error {
			imp.worker()
			return nil
		})
	}
	imp.log.Info().Int("workers", imp.threads).Str("path", imp.base).Msg("recording importer started")
	return nil
}

// Stop refuses new imports, drains the queue and waits for in-flight jobs,
// bounded by ctx. When ctx expires first the remaining jobs are cancelled
// hard; their callers see the cancellation as the job error.
func (imp *Importer) Stop(ctx context.Context) error {
	imp.mu.Lock()
	already := imp.stopped
	imp.stopped = true
	imp.mu.Unlock()
	if imp.group == nil {
		return nil
	}
	if !already {
		close(imp.quit)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = imp.group.Wait()
	}()
	select {
	case <-done:
		imp.cancel()
		return nil
	case <-ctx.Done():
		imp.cancel()
		<-done
		return fmt.Errorf("recording imports still running: %w", ctx.Err())
	}
}

// StartImport queues an archive and blocks until its byte stream has been
// fully consumed, so the caller may release the stream when it returns.
// Placement and callbacks continue on the worker; the returned ID ties log
// lines and metrics to the job.
func (imp *Importer) StartImport(ctx context.Context, stream io.Reader, forceTenant string) (string, error) {
	j, err := imp.enqueue(ctx, stream, forceTenant)
	if err != nil {
		return "", err
	}
	select {
	case err := <-j.staged:
		if err != nil {
			return "", err
		}
		return j.id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ImportArchive queues an archive and waits for the whole job, database
// placement and callbacks included. The recording import command uses it to
// report the final result.
func (imp *Importer) ImportArchive(ctx context.Context, stream io.Reader, forceTenant string) (string, error) {
	j, err := imp.enqueue(ctx, stream, forceTenant)
	if err != nil {
		return "", err
	}
	select {
	case <-j.done:
		return j.id, j.err
	case <-ctx.Done():
		return j.id, ctx.Err()
	}
}

// enqueue hands a job to the pool. It holds the read lock across the queue
// send so that Stop cannot mark the importer stopped while an accepted job
// is still on its way into the queue; every accepted job is processed.
func (imp *Importer) enqueue(ctx context.Context, stream io.Reader, forceTenant string) (*job, error) {
	imp.mu.RLock()
	defer imp.mu.RUnlock()
	if imp.stopped {
		return nil, ErrShuttingDown
	}
	j := &job{
		id:          uuid.NewString(),
		stream:      stream,
		forceTenant: forceTenant,
		staged:      make(chan error, 1),
		done:        make(chan struct{}),
	}
	select {
	case imp.queue <- j:
		metrics.IncImportJob("queued")
		imp.log.Info().Str("import", j.id).Msg("recording import queued")
		return j, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (imp *Importer) worker() {
	for {
		select {
		case j := <-imp.queue:
			imp.process(j)
		case <-imp.quit:
			// Drain jobs accepted before shutdown, then exit.
			for {
				select {
				case j := <-imp.queue:
					imp.process(j)
				default:
					return
				}
			}
		}
	}
}

func (imp *Importer) process(j *job) {
	start := time.Now()
	ctx, span := telemetry.StartImportSpan(imp.jobCtx, j.id)
	defer span.End()
	log := imp.log.With().Str("import", j.id).Logger()

	staging := filepath.Join(imp.base, stagingName, j.id)
	formats, err := imp.stage(staging, j)
	j.staged <- err
	if err == nil {
		err = imp.finalize(ctx, log, staging, formats)
	}

	if rmErr := os.RemoveAll(staging); rmErr != nil {
		log.Error().Err(rmErr).Msg("removing import staging directory")
	}

	j.err = err
	close(j.done)
	if err != nil {
		telemetry.RecordError(ctx, err)
		metrics.IncImportJob("failed")
		log.Error().Err(err).Dur("took", time.Since(start)).Msg("recording import failed")
		return
	}
	metrics.IncImportJob("succeeded")
	metrics.ObserveImportDuration(time.Since(start))
	log.Info().Int("formats", len(formats)).Dur("took", time.Since(start)).Msg("recording import finished")
}

// formatKey identifies one staged playback format within an archive.
type formatKey struct {
	tenant   string
	recordID string
	format   string
}

// stage unpacks the tar stream below dir, keeping the tenant/record/format
// layout of the entries. It returns the distinct formats in archive order.
func (imp *Importer) stage(dir string, j *job) ([]formatKey, error) {
	var keys []formatKey
	seen := map[formatKey]struct{}{}

	tr := tar.NewReader(j.stream)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
		default:
			return nil, fmt.Errorf("archive entry %q is not a regular file", hdr.Name)
		}

		rel, key, err := splitEntry(hdr.Name, j.forceTenant)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}

		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("staging %s: %w", rel, err)
		}
		if err := writeEntry(dst, tr); err != nil {
			return nil, fmt.Errorf("staging %s: %w", rel, err)
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("archive contains no recording files")
	}
	return keys, nil
}

func writeEntry(dst string, r io.Reader) error {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// splitEntry validates one archive entry name against the expected
// {tenant}/{recordID}/{format}/... layout and applies the tenant override.
// Entries must stay below the storage root; absolute paths, traversal and
// the reserved directory names are rejected.
func splitEntry(name, forceTenant string) (string, formatKey, error) {
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", formatKey{}, fmt.Errorf("archive entry %q escapes the storage root", name)
	}
	parts := strings.Split(clean, "/")
	if len(parts) < 4 {
		return "", formatKey{}, fmt.Errorf("archive entry %q does not match tenant/recordID/format/file", name)
	}
	if forceTenant != "" {
		parts[0] = forceTenant
	}
	for _, segment := range parts[:3] {
		if err := checkSegment(segment); err != nil {
			return "", formatKey{}, fmt.Errorf("archive entry %q: %w", name, err)
		}
	}
	key := formatKey{tenant: parts[0], recordID: parts[1], format: parts[2]}
	return path.Join(parts...), key, nil
}

// originRef names the meeting a recording came from, for callback delivery.
type originRef struct {
	uuid       string
	tenant     string
	recordID   string
	externalID string
}

// finalize places every staged format and then notifies the origin
// meetings. Callbacks fire only after all formats of the archive are in
// place, so a frontend reacting to the notification sees the full set.
func (imp *Importer) finalize(ctx context.Context, log zerolog.Logger, staging string, formats []formatKey) error {
	var origins []originRef
	seen := map[string]struct{}{}
	for _, key := range formats {
		origin, err := imp.place(ctx, log, staging, key)
		if err != nil {
			return fmt.Errorf("importing %s/%s/%s: %w", key.tenant, key.recordID, key.format, err)
		}
		if origin.uuid == "" {
			continue
		}
		if _, ok := seen[origin.uuid]; !ok {
			seen[origin.uuid] = struct{}{}
			origins = append(origins, origin)
		}
	}
	for _, origin := range origins {
		imp.fireRecordingReady(ctx, log, origin)
	}
	return nil
}

// place moves one staged format into the storage tree and records it in the
// database. Placement follows the state of an existing Recording row, so a
// re-import of an unpublished recording stays hidden.
func (imp *Importer) place(ctx context.Context, log zerolog.Logger, staging string, key formatKey) (originRef, error) {
	src := filepath.Join(staging, key.tenant, key.recordID, key.format)
	meta, err := readArchiveMeta(filepath.Join(src, metadataFile))
	if err != nil {
		return originRef{}, err
	}
	if meta.recordID != "" && meta.recordID != key.recordID {
		log.Warn().
			Str("record", key.recordID).
			Str("metadata_id", meta.recordID).
			Msg("metadata.xml id differs from the archive path, trusting the path")
	}

	var tenantID *string
	tenant, err := imp.store.GetTenant(ctx, key.tenant)
	switch {
	case err == nil:
		tenantID = &tenant.ID
	case errors.Is(err, models.ErrTenantNotFound):
		log.Warn().Str("tenant", key.tenant).Str("record", key.recordID).Msg("importing recording for an unknown tenant")
	default:
		return originRef{}, fmt.Errorf("resolving tenant %s: %w", key.tenant, err)
	}

	state := models.RecordingPublished
	existing, err := imp.store.GetRecordingByRecordID(ctx, key.recordID)
	switch {
	case err == nil:
		state = existing.State
	case errors.Is(err, models.ErrRecordingNotFound):
	default:
		return originRef{}, fmt.Errorf("loading recording %s: %w", key.recordID, err)
	}

	if err := imp.swapIn(src, key, state); err != nil {
		return originRef{}, err
	}

	rec := &models.Recording{
		RecordID:     key.recordID,
		TenantID:     tenantID,
		ExternalID:   meta.externalID,
		Meta:         meta.meta,
		Started:      meta.started,
		Ended:        meta.ended,
		Participants: meta.participants,
	}
	saved, err := imp.store.UpsertRecording(ctx, rec)
	if err != nil {
		return originRef{}, fmt.Errorf("storing recording: %w", err)
	}
	if err := imp.store.UpsertPlaybackFormat(ctx, saved.ID, key.format, meta.playback(key.format, imp.domain)); err != nil {
		return originRef{}, fmt.Errorf("storing playback format: %w", err)
	}

	log.Info().
		Str("tenant", key.tenant).
		Str("record", key.recordID).
		Str("format", key.format).
		Str("state", string(state)).
		Msg("recording format imported")

	return originRef{
		uuid:       meta.originUUID,
		tenant:     key.tenant,
		recordID:   key.recordID,
		externalID: meta.externalID,
	}, nil
}

// swapIn moves a staged format directory into the tree for the given state,
// replacing any previous rendition of the same format.
func (imp *Importer) swapIn(src string, key formatKey, state models.RecordingState) error {
	target := imp.formatDir(key.tenant, key.recordID, key.format, state)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating recording directory: %w", err)
	}

	// The previous rendition moves into staging, where the job cleanup
	// sweeps it up, so the swap itself is a pair of renames.
	replaced := src + ".replaced"
	swapped := false
	if _, err := os.Lstat(target); err == nil {
		if err := os.Rename(target, replaced); err != nil {
			return fmt.Errorf("moving previous rendition aside: %w", err)
		}
		swapped = true
	}
	if err := os.Rename(src, target); err != nil {
		if swapped {
			_ = os.Rename(replaced, target)
		}
		return fmt.Errorf("placing format: %w", err)
	}

	// A crash between publish renames can leave a copy in the other state's
	// directory; the fresh import wins.
	other := models.RecordingPublished
	if state == models.RecordingPublished {
		other = models.RecordingUnpublished
	}
	if err := os.RemoveAll(imp.formatDir(key.tenant, key.recordID, key.format, other)); err != nil {
		return fmt.Errorf("removing stale rendition: %w", err)
	}
	return nil
}

// fireRecordingReady delivers the recording-ready callbacks captured when
// the origin meeting was created, re-signed for the tenant. Rows are
// deleted after the delivery attempt either way; frontends must not be
// notified twice and can always fall back to polling getRecordings.
func (imp *Importer) fireRecordingReady(ctx context.Context, log zerolog.Logger, origin originRef) {
	callbacks, err := imp.store.ListCallbacks(ctx, origin.uuid, models.CallbackTypeRec)
	if err != nil {
		log.Error().Err(err).Str("uuid", origin.uuid).Msg("listing recording callbacks")
		return
	}
	for _, cb := range callbacks {
		claims := jwt.MapClaims{
			"meeting_id": origin.externalID,
			"record_id":  origin.recordID,
			"tenant":     origin.tenant,
		}
		token, err := webhook.Sign(claims, cb.Tenant.SigningSecret())
		if err != nil {
			log.Error().Err(err).Str("uuid", origin.uuid).Msg("signing recording callback")
			continue
		}
		err = imp.hooks.PostForm(ctx, cb.Forward, url.Values{"signed_parameters": {token}})
		if err != nil {
			metrics.IncCallbackForward(models.CallbackTypeRec, "failed")
			log.Warn().Err(err).Str("url", cb.Forward).Msg("recording callback not delivered")
		} else {
			metrics.IncCallbackForward(models.CallbackTypeRec, "delivered")
		}
		if err := imp.store.DeleteCallback(ctx, cb.ID); err != nil {
			log.Error().Err(err).Str("uuid", cb.UUID).Msg("deleting delivered callback")
		}
	}
}

// Publish moves every unpublished format of a recording back into the
// public layout. Missing directories are not an error: the database is
// authoritative for the state and disk may lag behind.
func (imp *Importer) Publish(tenant, recordID string) error {
	return imp.setPublished(tenant, recordID, true)
}

// Unpublish hides every published format in the unpublished/ sibling.
func (imp *Importer) Unpublish(tenant, recordID string) error {
	return imp.setPublished(tenant, recordID, false)
}

func (imp *Importer) setPublished(tenant, recordID string, publish bool) error {
	if err := checkSegment(tenant); err != nil {
		return err
	}
	if err := checkSegment(recordID); err != nil {
		return err
	}
	recDir := imp.recordingDir(tenant, recordID)
	hidden := filepath.Join(recDir, unpublishedName)
	src, dst := recDir, hidden
	if publish {
		src, dst = hidden, recDir
	}

	entries, err := os.ReadDir(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != unpublishedName {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, name := range names {
		target := filepath.Join(dst, name)
		if _, err := os.Lstat(target); err == nil {
			// Crash leftover from an interrupted move; the copy in src is
			// the one the database state points at.
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("dropping stale copy of %s: %w", name, err)
			}
		}
		if err := os.Rename(filepath.Join(src, name), target); err != nil {
			return fmt.Errorf("moving format %s: %w", name, err)
		}
	}
	if publish {
		_ = os.Remove(hidden)
	}
	imp.log.Info().
		Str("tenant", tenant).
		Str("record", recordID).
		Bool("published", publish).
		Int("formats", len(names)).
		Msg("recording formats moved")
	return nil
}

// Delete removes a recording from disk, the unpublished copies included.
// The caller owns the database rows.
func (imp *Importer) Delete(tenant, recordID string) error {
	if err := checkSegment(tenant); err != nil {
		return err
	}
	if err := checkSegment(recordID); err != nil {
		return err
	}
	if err := os.RemoveAll(imp.recordingDir(tenant, recordID)); err != nil {
		return err
	}
	// Drop the tenant directory once its last recording is gone.
	_ = os.Remove(filepath.Join(imp.base, tenant))
	imp.log.Info().Str("tenant", tenant).Str("record", recordID).Msg("recording removed from disk")
	return nil
}

// PatchMetadata folds a metadata patch into the stored metadata.xml of
// every format of a recording, so re-imports and external readers see the
// same values as the database. Empty patch values remove the key. Missing
// recordings are not an error.
func (imp *Importer) PatchMetadata(tenant, recordID string, patch map[string]string) error {
	if err := checkSegment(tenant); err != nil {
		return err
	}
	if err := checkSegment(recordID); err != nil {
		return err
	}
	dirs, err := listFormatDirs(imp.recordingDir(tenant, recordID))
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := patchMetadataFile(filepath.Join(dir, metadataFile), patch); err != nil {
			return fmt.Errorf("patching %s: %w", dir, err)
		}
	}
	return nil
}

// RemoveOrphans drops playback format rows whose directory disappeared from
// both the published and the unpublished tree, then drops recordings left
// without any format on disk. With dryRun set nothing is deleted and the
// returned counts describe what a real run would do.
func (imp *Importer) RemoveOrphans(ctx context.Context, dryRun bool) (formats, recordings int, err error) {
	all, err := imp.store.ListAllRecordings(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range all {
		if rec.Tenant == nil {
			// Without the tenant name the disk location is unknowable.
			imp.log.Warn().Str("record", rec.RecordID).Msg("skipping recording without a tenant")
			continue
		}
		populated := 0
		for _, format := range rec.Formats {
			if imp.formatOnDisk(rec.Tenant.Name, rec.RecordID, format.Format) {
				populated++
				continue
			}
			formats++
			imp.log.Info().
				Str("tenant", rec.Tenant.Name).
				Str("record", rec.RecordID).
				Str("format", format.Format).
				Bool("dry_run", dryRun).
				Msg("dropping orphaned playback format")
			if dryRun {
				continue
			}
			if err := imp.store.DeletePlaybackFormat(ctx, format.ID); err != nil {
				return formats, recordings, err
			}
		}
		if populated > 0 {
			continue
		}
		recordings++
		imp.log.Info().
			Str("tenant", rec.Tenant.Name).
			Str("record", rec.RecordID).
			Bool("dry_run", dryRun).
			Msg("dropping recording without formats")
		if dryRun {
			continue
		}
		if err := imp.store.DeleteRecordingRow(ctx, rec.ID); err != nil {
			return formats, recordings, err
		}
	}
	return formats, recordings, nil
}

// formatOnDisk reports whether a format directory exists in either state.
func (imp *Importer) formatOnDisk(tenant, recordID, format string) bool {
	for _, state := range []models.RecordingState{models.RecordingPublished, models.RecordingUnpublished} {
		if info, err := os.Stat(imp.formatDir(tenant, recordID, format, state)); err == nil && info.IsDir() {
			return true
		}
	}
	return false
}

func (imp *Importer) recordingDir(tenant, recordID string) string {
	return filepath.Join(imp.base, tenant, recordID)
}

func (imp *Importer) formatDir(tenant, recordID, format string, state models.RecordingState) string {
	if state == models.RecordingUnpublished {
		return filepath.Join(imp.base, tenant, recordID, unpublishedName, format)
	}
	return filepath.Join(imp.base, tenant, recordID, format)
}

// checkSegment rejects path-escaping or reserved values in names that end
// up as directory names. Record IDs arrive unvalidated in API requests.
func checkSegment(value string) error {
	if value == "" || value == "." || value == ".." || strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("invalid path segment %q", value)
	}
	if value == stagingName || value == unpublishedName {
		return fmt.Errorf("%q is a reserved directory name", value)
	}
	return nil
}

// listFormatDirs returns the format directories of a recording across both
// the published and the unpublished layout.
func listFormatDirs(recDir string) ([]string, error) {
	var dirs []string
	for _, parent := range []string{recDir, filepath.Join(recDir, unpublishedName)} {
		entries, err := os.ReadDir(parent)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() && entry.Name() != unpublishedName {
				dirs = append(dirs, filepath.Join(parent, entry.Name()))
			}
		}
	}
	return dirs, nil
}

// archiveMeta is the subset of a BBB metadata.xml document the balancer
// tracks. The meta children become the recording's metadata map; scoped
// meeting IDs inside it are mapped back at render time.
type archiveMeta struct {
	recordID     string
	externalID   string
	originUUID   string
	started      time.Time
	ended        time.Time
	participants int
	meta         models.MetaMap
	playbackType string
	playbackLink string
	durationMS   int64
}

func readArchiveMeta(path string) (*archiveMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("format has no usable %s: %w", metadataFile, err)
	}
	defer f.Close()
	doc, err := bbb.ParseXML(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", metadataFile, err)
	}

	m := &archiveMeta{
		recordID:     doc.FindText("id"),
		started:      epochMillis(doc.FindText("start_time")),
		ended:        epochMillis(doc.FindText("end_time")),
		meta:         models.MetaMap{},
		playbackType: doc.FindText("playback/format"),
		playbackLink: doc.FindText("playback/link"),
	}
	m.participants, _ = strconv.Atoi(doc.FindText("participants"))
	m.durationMS, _ = strconv.ParseInt(doc.FindText("playback/duration"), 10, 64)
	if metaNode := doc.Find("meta"); metaNode != nil {
		for _, child := range metaNode.Children {
			m.meta[child.Tag()] = child.Text
		}
	}
	m.originUUID = m.meta["bbblb-uuid"]
	m.externalID, _ = bbb.ExtractScope(m.meta["meetingId"])
	return m, nil
}

func epochMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// playback renders the stored playback fragment for a format. The link is
// rehomed onto the balancer's domain: after the import the files live here,
// not on the backend that produced them.
func (m *archiveMeta) playback(format, domain string) string {
	typ := m.playbackType
	if typ == "" {
		typ = format
	}
	node := bbb.NewNode("format",
		bbb.TextNode("type", typ),
		bbb.TextNode("url", rehomeLink(m.playbackLink, domain)),
	)
	if m.durationMS > 0 {
		node.Append(bbb.TextNode("length", strconv.FormatInt(m.durationMS/60000, 10)))
	}
	return node.EncodeString()
}

func rehomeLink(link, domain string) string {
	if link == "" || domain == "" {
		return link
	}
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	u.Host = domain
	return u.String()
}

func patchMetadataFile(path string, patch map[string]string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	doc, err := bbb.ParseXML(f)
	f.Close()
	if err != nil {
		return err
	}

	metaNode := doc.Find("meta")
	if metaNode == nil {
		metaNode = bbb.NewNode("meta")
		doc.Append(metaNode)
	}
	keys := make([]string, 0, len(patch))
	for key := range patch {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := patch[key]
		if value == "" {
			removeChildren(metaNode, key)
			continue
		}
		if existing := metaNode.Find(key); existing != nil {
			existing.Text = value
			existing.Children = nil
		} else {
			metaNode.Append(bbb.TextNode(key, value))
		}
	}

	raw, err := doc.Encode()
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, append([]byte(xml.Header), raw...), 0o644)
}

func removeChildren(n *bbb.Node, tag string) {
	kept := n.Children[:0]
	for _, child := range n.Children {
		if child.Tag() != tag {
			kept = append(kept, child)
		}
	}
	n.Children = kept
}
