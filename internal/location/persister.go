package location

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slopestream-core/internal/apperrors"
	"slopestream-core/internal/jobqueue"
	"slopestream-core/internal/models"
	"slopestream-core/internal/warm"
)

// PersisterConfig controls the ping-persistence batching window.
type PersisterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultPersisterConfig flushes at 100 entries or 5s, whichever comes
// first.
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{BatchSize: 100, FlushInterval: 5 * time.Second}
}

// Persister consumes the location-ping job topic, batches pings, appends
// them to WARM and rolls the distance/vertical/max-speed deltas into
// each session's running aggregates.
type Persister struct {
	pings    *warm.PingRepository
	sessions *warm.SessionRepository
	jobs     *jobqueue.Queue
	cfg      PersisterConfig

	mu     sync.Mutex
	buffer []models.LocationPing
}

// NewPersister builds a Persister.
func NewPersister(pings *warm.PingRepository, sessions *warm.SessionRepository, jobs *jobqueue.Queue, cfg PersisterConfig) *Persister {
	return &Persister{
		pings:    pings,
		sessions: sessions,
		jobs:     jobs,
		cfg:      cfg,
	}
}

// Run consumes the ping-persistence topic until ctx is cancelled, and
// additionally flushes on a timer so a trickle of pings below BatchSize
// is still durable within FlushInterval.
func (p *Persister) Run(ctx context.Context, consumerName string) error {
	go p.flushTicker(ctx)
	return p.jobs.Consume(ctx, pingJobTopic, consumerName, p.handle)
}

func (p *Persister) flushTicker(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

func (p *Persister) handle(ctx context.Context, job jobqueue.Job) error {
	var ping models.LocationPing
	if err := json.Unmarshal(job.Payload, &ping); err != nil {
		return apperrors.Validation("persister: malformed ping payload")
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, ping)
	shouldFlush := len(p.buffer) >= p.cfg.BatchSize
	p.mu.Unlock()

	if shouldFlush {
		p.flush(ctx)
	}
	return nil
}

func (p *Persister) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	if err := p.pings.InsertBatch(ctx, batch); err != nil {
		log.Error().Err(err).Int("count", len(batch)).Msg("persister: insert batch failed, returning to buffer head")
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		p.mu.Unlock()
		return
	}

	for sessionID, deltas := range bySessionDeltas(batch) {
		if err := p.sessions.AccumulateAggregates(ctx, sessionID, deltas.distance, deltas.vertical, deltas.maxSpeed); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("persister: accumulate aggregates failed")
		}
	}
}

type sessionDeltas struct {
	distance float64
	vertical float64
	maxSpeed float64
}

// bySessionDeltas groups one flushed batch by session and computes, per
// session, the additional great-circle distance travelled, the vertical
// descent accumulated, and the peak observed speed. Pings within a
// session are ordered by CapturedAt before the haversine walk so
// out-of-order delivery from the job queue cannot invert a leg.
func bySessionDeltas(batch []models.LocationPing) map[string]sessionDeltas {
	bySession := make(map[string][]models.LocationPing)
	for _, p := range batch {
		bySession[p.SessionID] = append(bySession[p.SessionID], p)
	}

	out := make(map[string]sessionDeltas, len(bySession))
	for sessionID, pings := range bySession {
		sortByCapturedAt(pings)

		var d sessionDeltas
		for i, p := range pings {
			if p.SpeedMps > d.maxSpeed {
				d.maxSpeed = p.SpeedMps
			}
			if i == 0 {
				continue
			}
			prev := pings[i-1]
			d.distance += haversineMeters(prev.Lat, prev.Lon, p.Lat, p.Lon)
			if drop := prev.AltitudeMeters - p.AltitudeMeters; drop > 0 {
				d.vertical += drop
			}
		}
		out[sessionID] = d
	}
	return out
}

func sortByCapturedAt(pings []models.LocationPing) {
	for i := 1; i < len(pings); i++ {
		for j := i; j > 0 && pings[j].CapturedAt.Before(pings[j-1].CapturedAt); j-- {
			pings[j], pings[j-1] = pings[j-1], pings[j]
		}
	}
}
