// Package poller keeps server health and load in sync with the cluster.
//
// Exactly one process owns the "poller" database lease at any time. The
// owner fans getMeetings across all known servers once per interval,
// recomputes each server's load estimate, advances its health state machine
// and forgets meetings the backend no longer reports. Every other process
// keeps retrying the lease with sub-second jitter, so a dead owner is
// replaced within two intervals.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bbblb/bbblb/internal/logging"
	"github.com/bbblb/bbblb/internal/metrics"
	"github.com/bbblb/bbblb/internal/telemetry"
	"github.com/bbblb/bbblb/pkg/bbb"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/models"
	"github.com/bbblb/bbblb/pkg/store"
)

// leaseName identifies the cluster-wide poll singleton.
const leaseName = "poller"

// maxConcurrentPolls bounds the getMeetings fan-out per round.
const maxConcurrentPolls = 8

// Retention windows for the housekeeping pass that piggybacks on the poll
// round. Meetings without an internal ID come from create calls that died
// before the backend answered; liveness reconciliation skips them, so they
// are aged out here instead.
const (
	staleMeetingAge   = 24 * time.Hour
	callbackRetention = 7 * 24 * time.Hour
	statsRetention    = 7 * 24 * time.Hour
)

// Poller scans all registered servers and maintains their health and load
// columns. It implements registry.Service.
type Poller struct {
	store *store.GORMStore
	cfg   *config.Config
	http  *http.Client
	log   zerolog.Logger

	interval time.Duration
	jitter   func() time.Duration

	// seen tracks which servers currently have metric gauges, so gauges of
	// removed servers can be dropped. Only the poll goroutine touches it.
	seen map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a poller reading its interval, thresholds and load weights
// from cfg. The HTTP client is shared with the API mediator so both reuse
// backend connections; nil falls back to a fresh client.
func New(st *store.GORMStore, cfg *config.Config, httpClient *http.Client) *Poller {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Poller{
		store:    st,
		cfg:      cfg,
		http:     httpClient,
		log:      logging.WithComponent("poller"),
		interval: cfg.PollInterval.Std(),
		jitter:   func() time.Duration { return rand.N(time.Second) },
		seen:     make(map[string]struct{}),
	}
}

// Start spawns the poll loop. The loop runs until the given context ends or
// Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	if p.interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.interval)
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

// Stop cancels the loop and waits for it to exit, bounded by ctx.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poll loop still busy: %w", ctx.Err())
	}
}

// run is the outer lease loop: jittered sleep, acquire attempt, scan rounds
// while owning, release. The jitter keeps one replica from monopolizing the
// lease when several race for it.
func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	for {
		if !sleepCtx(ctx, p.jitter()) {
			return
		}

		held, err := p.store.TryAcquireLease(ctx, leaseName, 2*p.interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Msg("lease acquire failed")
			if !sleepCtx(ctx, p.interval) {
				return
			}
			continue
		}
		if !held {
			continue
		}

		p.log.Info().Str("owner", p.store.LeaseOwner()).Msg("poll lease acquired")
		p.rounds(ctx)
		p.release(ctx)

		if ctx.Err() != nil {
			return
		}
	}
}

// rounds scans the cluster for as long as the lease is held. It returns
// when the lease is lost, the context ends, or a round hits an
// infrastructure error; the caller releases the lease and starts over.
func (p *Poller) rounds(ctx context.Context) {
	p.log.Info().Dur("interval", p.interval).Msg("poll loop started")

	for {
		start := time.Now()

		held, err := p.store.CheckLease(ctx, leaseName)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error().Err(err).Msg("lease check failed")
			}
			return
		}
		if !held {
			p.log.Warn().Msg("poll lease lost, stopping loop")
			return
		}

		if err := p.round(ctx); err != nil {
			if ctx.Err() == nil {
				p.log.Error().Err(err).Msg("poll round failed")
			}
			return
		}

		elapsed := time.Since(start)
		metrics.ObservePollRound(elapsed)
		if elapsed > p.interval {
			p.log.Warn().
				Dur("elapsed", elapsed).
				Dur("interval", p.interval).
				Msg("poll round exceeded the interval")
		}

		if !sleepCtx(ctx, max(time.Second, p.interval-elapsed)) {
			return
		}
	}
}

// round performs one full scan: fan pollOne over every server, then run the
// housekeeping pass. Per-server failures are logged where they happen and
// never abort the round.
func (p *Poller) round(ctx context.Context) error {
	servers, err := p.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	p.pruneGauges(servers)

	// The fan-out must stay well inside the lease force window, otherwise a
	// stalled backend could hold the round long enough for another process
	// to break the lease mid-write.
	budget := time.Duration(float64(2*p.interval) * 0.8)
	fanCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(maxConcurrentPolls)
	for _, server := range servers {
		g.Go(func() error {
			if err := p.pollOne(fanCtx, server); err != nil && fanCtx.Err() == nil {
				p.log.Error().Err(err).Str("server", server.Domain).Msg("server poll failed")
			}
			return nil
		})
	}
	_ = g.Wait() // failures are logged per server

	if fanCtx.Err() != nil && ctx.Err() == nil {
		p.log.Warn().Dur("budget", budget).Msg("poll fan-out ran over the lease budget")
	}

	p.housekeeping(ctx)
	return nil
}

// pollOne scans a single server: query getMeetings, price the live
// meetings, record stats samples, forget meetings the backend dropped and
// persist the health/load outcome.
func (p *Poller) pollOne(ctx context.Context, server *models.Server) error {
	meetings, err := p.store.ListServerMeetings(ctx, server.ID)
	if err != nil {
		return fmt.Errorf("load meetings of %s: %w", server.Domain, err)
	}

	// Disabled servers are still polled while they host meetings, so the
	// drain of an about-to-be-removed backend stays observable.
	if !server.Enabled && len(meetings) == 0 {
		return nil
	}

	ctx, span := telemetry.StartPollSpan(ctx, server.Domain)
	defer span.End()

	known := make(map[string]*models.Meeting, len(meetings))
	for _, meeting := range meetings {
		if meeting.InternalID != nil {
			known[*meeting.InternalID] = meeting
		}
	}

	obs, err := p.observe(ctx, server, known)
	healthy := err == nil
	if err != nil {
		metrics.IncPollError(server.Domain)
		telemetry.RecordError(ctx, err)
		p.log.Warn().Err(err).Str("server", server.Domain).Msg("backend poll failed")
	}

	if healthy {
		if len(obs.samples) > 0 {
			if err := p.store.AppendMeetingStats(ctx, obs.samples); err != nil {
				return fmt.Errorf("append stats of %s: %w", server.Domain, err)
			}
		}
		forgotten, err := p.store.ReconcileServerMeetings(ctx, server.ID, obs.live)
		if err != nil {
			return fmt.Errorf("reconcile meetings of %s: %w", server.Domain, err)
		}
		if forgotten > 0 {
			p.log.Info().
				Int64("count", forgotten).
				Str("server", server.Domain).
				Msg("forgot meetings missing from backend")
		}
	}

	// Reload the row before the state write: enabled or secret may have
	// been flipped while the backend call was in flight.
	fresh, err := p.store.GetServerByID(ctx, server.ID)
	if errors.Is(err, models.ErrServerNotFound) {
		return nil // removed mid-round
	}
	if err != nil {
		return fmt.Errorf("reload server %s: %w", server.Domain, err)
	}

	prev := fresh.Health
	if healthy {
		fresh.Load = obs.load
		fresh.MarkSuccess(p.cfg.PollRecover)
	} else {
		fresh.MarkError(p.cfg.PollFail)
	}
	if err := p.store.UpdateServerState(ctx, fresh); err != nil {
		if errors.Is(err, models.ErrServerNotFound) {
			return nil
		}
		return fmt.Errorf("update server %s: %w", server.Domain, err)
	}

	metrics.SetServerLoad(fresh.Domain, fresh.Load)
	metrics.SetServerHealth(fresh.Domain, string(fresh.Health))

	p.log.Info().
		Str("server", fresh.Domain).
		Str("health", string(fresh.Health)).
		Int("meetings", len(obs.live)).
		Int("users", obs.users).
		Float64("load", fresh.Load).
		Msg("server polled")

	if prev != fresh.Health {
		p.log.Warn().
			Str("server", fresh.Domain).
			Str("from", string(prev)).
			Str("to", string(fresh.Health)).
			Msg("server health changed")
	}
	return nil
}

// observation is what one getMeetings round trip learned about a server.
type observation struct {
	live    []string
	samples []*models.MeetingStats
	load    float64
	users   int
}

// observe queries the backend and prices every live meeting. Meetings the
// backend already ended are skipped. Breakout rooms are spawned by the
// backend itself, so they count toward load but are never tracked as rows.
func (p *Poller) observe(ctx context.Context, server *models.Server, known map[string]*models.Meeting) (observation, error) {
	callCtx, cancel := context.WithTimeout(ctx, bbb.DefaultTimeout)
	defer cancel()
	resp, err := bbb.NewClient(server.APIBase(), server.Secret, p.http).Call(callCtx, "getMeetings", bbb.NewParams())
	if err != nil {
		return observation{}, err
	}

	var obs observation
	now := time.Now().UTC()
	cooldown := p.cfg.LoadCooldown.Std()

	for _, node := range resp.XML.FindAll("meetings/meeting") {
		if intText(node, "endTime") > 0 {
			continue
		}

		internalID := node.FindText("internalMeetingID")
		if internalID != "" {
			obs.live = append(obs.live, internalID)
		}

		users := intText(node, "participantCount")
		voice := intText(node, "voiceParticipantCount")
		video := intText(node, "videoCount")
		obs.users += users

		obs.load += p.cfg.LoadBase
		obs.load += float64(users) * p.cfg.LoadUser
		obs.load += float64(voice) * p.cfg.LoadVoice
		obs.load += float64(video) * p.cfg.LoadVideo
		if cooldown > 0 {
			if age := meetingAge(node, now); age < cooldown {
				obs.load += p.cfg.LoadPenalty * (1 - float64(age)/float64(cooldown))
			}
		}

		meeting, ok := known[internalID]
		if !ok {
			if node.FindText("breakout/parentMeetingID") != "" {
				continue
			}
			p.log.Warn().
				Str("server", server.Domain).
				Str("internal_id", internalID).
				Msg("backend reports a meeting that was never placed here")
			continue
		}

		obs.samples = append(obs.samples, &models.MeetingStats{
			TS:        now,
			UUID:      meeting.UUID,
			MeetingID: meeting.ExternalID,
			TenantID:  &meeting.TenantID,
			Users:     users,
			Voice:     voice,
			Video:     video,
		})
	}
	return obs, nil
}

// housekeeping ages out rows nothing else cleans up. It runs while the
// lease is held, so at most one process sweeps.
func (p *Poller) housekeeping(ctx context.Context) {
	if n, err := p.store.CleanupStaleMeetings(ctx, staleMeetingAge); err != nil {
		p.log.Error().Err(err).Msg("stale meeting cleanup failed")
	} else if n > 0 {
		p.log.Info().Int64("count", n).Msg("dropped meetings that never confirmed")
	}

	if n, err := p.store.CleanupOldCallbacks(ctx, callbackRetention); err != nil {
		p.log.Error().Err(err).Msg("callback cleanup failed")
	} else if n > 0 {
		p.log.Info().Int64("count", n).Msg("dropped expired callbacks")
	}

	if n, err := p.store.PruneMeetingStats(ctx, time.Now().UTC().Add(-statsRetention)); err != nil {
		p.log.Error().Err(err).Msg("stats pruning failed")
	} else if n > 0 {
		p.log.Debug().Int64("count", n).Msg("pruned old meeting stats")
	}
}

// pruneGauges drops per-server gauges for servers that left the table, so
// dashboards do not keep showing their last value forever.
func (p *Poller) pruneGauges(servers []*models.Server) {
	current := make(map[string]struct{}, len(servers))
	for _, server := range servers {
		current[server.Domain] = struct{}{}
	}
	for domain := range p.seen {
		if _, ok := current[domain]; !ok {
			metrics.RemoveServer(domain)
		}
	}
	p.seen = current
}

// release hands the lease back so another process can take over without
// waiting for the force window. Runs on a detached context because the run
// context is usually already gone during shutdown.
func (p *Poller) release(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := p.store.ReleaseLease(rctx, leaseName); err != nil {
		p.log.Warn().Err(err).Msg("lease release failed")
		return
	}
	p.log.Info().Msg("poll lease released")
}

// meetingAge derives how long a meeting has been running from its
// createTime element (epoch milliseconds). Unparsable or future values
// count as brand new.
func meetingAge(node *bbb.Node, now time.Time) time.Duration {
	ms, err := strconv.ParseInt(node.FindText("createTime"), 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	age := now.Sub(time.UnixMilli(ms))
	if age < 0 {
		return 0
	}
	return age
}

// intText reads a child element as an integer, defaulting to zero.
func intText(node *bbb.Node, path string) int {
	n, err := strconv.Atoi(node.FindText(path))
	if err != nil {
		return 0
	}
	return n
}

// sleepCtx sleeps for d unless ctx ends first. Reports whether the full
// sleep happened.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
