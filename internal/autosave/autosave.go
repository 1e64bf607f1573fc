package autosave

import (
	"log"
	"sync"
	"time"
)

// Store is where snapshots land. db.Database satisfies it directly; a
// participant process can also point it at the /saveToDb endpoint.
type Store interface {
	Save(sessionName string, snapshot []byte) error
}

// Source produces the snapshot to persist, typically a peer.Platform.
type Source interface {
	SessionName() string
	SnapshotJSON() ([]byte, error)
}

type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
	}
}

// Service periodically writes the source's snapshot to the store,
// independently of user actions. Stop flushes one final snapshot so a
// leaving participant never loses its last state.
type Service struct {
	store  Store
	source Source
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(store Store, source Source, config Config) *Service {
	return &Service{
		store:  store,
		source: source,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("Autosave started for session %q (interval: %v)", s.source.SessionName(), s.config.Interval)
}

// Stop ends the loop and synchronously writes a final snapshot.
func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.save()
	log.Printf("Autosave stopped for session %q", s.source.SessionName())
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.save()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.save()
		}
	}
}

func (s *Service) save() {
	data, err := s.source.SnapshotJSON()
	if err != nil {
		log.Printf("Autosave: snapshot for %q failed: %v", s.source.SessionName(), err)
		return
	}
	if err := s.store.Save(s.source.SessionName(), data); err != nil {
		log.Printf("Autosave: save for %q failed: %v", s.source.SessionName(), err)
	}
}

// SaveNow forces an immediate snapshot write.
func (s *Service) SaveNow() error {
	data, err := s.source.SnapshotJSON()
	if err != nil {
		return err
	}
	return s.store.Save(s.source.SessionName(), data)
}
