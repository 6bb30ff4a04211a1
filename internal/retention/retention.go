// Package retention runs the periodic housekeeping of the server: pruning
// old activity history and dropping rooms that were created but never joined.
package retention

import (
	"log"
	"sync"
	"time"
)

type Config struct {
	Interval         time.Duration
	HistoryRetention time.Duration
	UnjoinedGrace    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:         time.Hour,
		HistoryRetention: 7 * 24 * time.Hour,
		UnjoinedGrace:    10 * time.Minute,
	}
}

// HistoryStore is the part of the database the service prunes.
type HistoryStore interface {
	DeleteRunsBefore(cutoff time.Time) (int64, error)
	DeleteSessionsClosedBefore(cutoff time.Time) (int64, error)
}

// RoomReaper drops live rooms nobody joined.
type RoomReaper interface {
	ReapUnjoinedRooms(grace time.Duration) int
}

type Service struct {
	history HistoryStore
	rooms   RoomReaper
	config  Config
	now     func() time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds the service. Either dependency may be nil to skip that sweep.
func New(history HistoryStore, rooms RoomReaper, config Config) *Service {
	return &Service{
		history: history,
		rooms:   rooms,
		config:  config,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🧹 Retention service started (interval: %v, history kept: %v)",
		s.config.Interval, s.config.HistoryRetention)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("🧹 Retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.Sweep()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one housekeeping pass.
func (s *Service) Sweep() {
	if s.rooms != nil {
		if n := s.rooms.ReapUnjoinedRooms(s.config.UnjoinedGrace); n > 0 {
			log.Printf("🧹 Dropped %d rooms nobody joined", n)
		}
	}

	if s.history == nil || s.config.HistoryRetention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.config.HistoryRetention)

	runs, err := s.history.DeleteRunsBefore(cutoff)
	if err != nil {
		log.Printf("Retention: failed to prune runs: %v", err)
	}
	sessions, err := s.history.DeleteSessionsClosedBefore(cutoff)
	if err != nil {
		log.Printf("Retention: failed to prune room sessions: %v", err)
	}

	if runs > 0 || sessions > 0 {
		log.Printf("🧹 Pruned %d runs and %d room sessions older than %v", runs, sessions, s.config.HistoryRetention)
	}
}
