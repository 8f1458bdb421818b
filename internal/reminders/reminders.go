// Package reminders publishes recurring messages into broker topics on a
// cron schedule. brokerd uses it for the meditation reminder ticks; any
// periodic producer (metrics rollups, digest emails) fits the same shape.
package reminders

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"topiq/internal/broker"
	logx "topiq/pkg/logx"
)

// Publisher is the slice of the broker the service needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, opts ...broker.PublishOption) (string, error)
}

// Job is one scheduled publication.
type Job struct {
	Name    string
	Topic   string
	Spec    string // cron spec ("0 9 * * *") or "@every 10m"
	Payload string
}

type Service struct {
	log logx.Logger
	pub Publisher

	parser cron.Parser

	mu   sync.Mutex
	c    *cron.Cron
	jobs []Job
}

func New(log logx.Logger, pub Publisher) *Service {
	return &Service{
		log: log,
		pub: pub,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register validates and stores jobs. Call before Start; registering while
// running takes effect on the next Start.
func (s *Service) Register(jobs []Job) error {
	for _, j := range jobs {
		if strings.TrimSpace(j.Topic) == "" {
			return fmt.Errorf("reminder %q: topic is required", j.Name)
		}
		if _, err := s.parser.Parse(j.Spec); err != nil {
			return fmt.Errorf("reminder %q: bad spec %q: %w", j.Name, j.Spec, err)
		}
	}
	s.mu.Lock()
	s.jobs = append([]Job(nil), jobs...)
	s.mu.Unlock()
	return nil
}

// Start schedules the registered jobs. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	c := cron.New(cron.WithParser(s.parser))
	for _, j := range s.jobs {
		job := j
		_, err := c.AddFunc(job.Spec, func() { s.fire(job) })
		if err != nil {
			// Register() already validated the spec; this should not happen.
			s.log.Error("reminder schedule failed", logx.String("name", job.Name), logx.Err(err))
			continue
		}
		s.log.Info("reminder scheduled", logx.String("name", job.Name), logx.String("topic", job.Topic), logx.String("spec", job.Spec))
	}
	c.Start()
	s.c = c
}

// Stop halts scheduling and waits for running publications to finish or
// ctx to expire.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("reminder stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (s *Service) fire(j Job) {
	id, err := s.pub.Publish(context.Background(), j.Topic, []byte(j.Payload), broker.WithCorrelationID("reminder:"+j.Name))
	if err != nil {
		// Queue-full is backpressure, not a bug; the next tick retries.
		s.log.Warn("reminder publish failed", logx.String("name", j.Name), logx.String("topic", j.Topic), logx.Err(err))
		return
	}
	s.log.Debug("reminder published", logx.String("name", j.Name), logx.String("topic", j.Topic), logx.String("id", id))
}
