package jobqueue

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/memberflow/memberflow/app/repository"
	"github.com/memberflow/memberflow/internal/pkg/env"
)

// Manager manages the global job queue and background tasks
type Manager struct {
	queue       *Queue
	events      repository.WebhookEventRepository
	sweepTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		workerCount := env.GetEnvInt("JOBQUEUE_WORKERS", 5)

		globalManager = &Manager{
			queue:  NewQueue(workerCount),
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// SetWebhookProcessor wires the processor the queue dispatches webhook
// jobs to, and the event store the sweeper scans.
func (m *Manager) SetWebhookProcessor(p *WebhookProcessor, events repository.WebhookEventRepository) {
	m.queue.SetWebhookProcessor(p)
	m.events = events
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	// Re-enqueue webhook events whose job never completed (e.g. the
	// process died between the HTTP response and the enqueue).
	sweepInterval := time.Duration(env.GetEnvInt("WEBHOOK_SWEEP_INTERVAL_MINUTES", 5)) * time.Minute
	m.sweepTicker = time.NewTicker(sweepInterval)
	m.wg.Add(1)
	go m.unprocessedEventWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// unprocessedEventWorker periodically re-enqueues stale unprocessed webhook events
func (m *Manager) unprocessedEventWorker() {
	defer m.wg.Done()
	log.Info("[JobQueue Manager] Started webhook event sweeper")

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Webhook event sweeper stopping")
			return
		case <-m.sweepTicker.C:
			if err := m.sweepUnprocessedEvents(); err != nil {
				log.Errorf("[JobQueue Manager] Webhook sweep error: %v", err)
			}
		}
	}
}

func (m *Manager) sweepUnprocessedEvents() error {
	if m.events == nil {
		return nil
	}
	cutoff := time.Now().Add(-10 * time.Minute)
	stale, err := m.events.ListUnprocessed(cutoff, 100)
	if err != nil {
		return err
	}
	for i := range stale {
		ev := &stale[i]
		payload := WebhookEventJobPayload{EventID: ev.ID, Provider: ev.Provider}
		if _, err := m.queue.EnqueueJob(JobTypeWebhookEvent, payload.ToMap()); err != nil {
			return err
		}
		log.Infof("[JobQueue Manager] Re-enqueued stale webhook event %d (%s)", ev.ID, ev.Provider)
	}
	return nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
