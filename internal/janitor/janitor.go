// Package janitor periodically reclaims abandoned protected rooms, keeps the
// presence mirror of occupied rooms fresh and trims the archive.
package janitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/manpreetbhatti/easel/internal/room"
)

// Pruner drops archived rows older than a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Refresher extends the presence entries of rooms that still have members.
type Refresher interface {
	Refresh(ctx context.Context, roomIDs []string) error
}

type Config struct {
	Interval  time.Duration
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Retention: 7 * 24 * time.Hour,
	}
}

type Service struct {
	registry *room.Registry
	archive  Pruner
	presence Refresher
	config   Config
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// New builds a janitor. archive may be nil when archiving is disabled.
func New(registry *room.Registry, archive Pruner, config Config) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Service{
		registry: registry,
		archive:  archive,
		config:   config,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// SetPresence makes each sweep refresh the presence mirror. Call before Start.
func (s *Service) SetPresence(p Refresher) {
	s.presence = p
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🧹 Janitor started (interval: %v, retention: %v)", s.config.Interval, s.config.Retention)
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	log.Println("🧹 Janitor stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce(context.Background())
		}
	}
}

// Result summarizes one sweep.
type Result struct {
	Reclaimed []string
	Refreshed int
	Pruned    int64
}

func (s *Service) RunOnce(ctx context.Context) Result {
	var res Result

	res.Reclaimed = s.registry.Reclaim()
	for _, id := range res.Reclaimed {
		log.Printf("🧹 Room reclaimed: %s", id)
	}

	if s.presence != nil {
		var occupied []string
		for _, r := range s.registry.Rooms() {
			if r.UserCount() > 0 {
				occupied = append(occupied, r.ID)
			}
		}
		if err := s.presence.Refresh(ctx, occupied); err != nil {
			log.Printf("Janitor: failed to refresh presence: %v", err)
		} else {
			res.Refreshed = len(occupied)
		}
	}

	if s.archive != nil && s.config.Retention > 0 {
		n, err := s.archive.PruneBefore(ctx, s.now().Add(-s.config.Retention))
		if err != nil {
			log.Printf("Janitor: failed to prune archive: %v", err)
		} else {
			res.Pruned = n
			if n > 0 {
				log.Printf("🧹 Pruned %d archived rows older than %v", n, s.config.Retention)
			}
		}
	}
	return res
}
