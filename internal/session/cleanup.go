package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// ContainerReclaimer is the slice of the container manager the cleanup loop
// needs.
type ContainerReclaimer interface {
	Remove(ctx context.Context, containerID string) error
}

// CleanupLoop periodically evicts expired sessions and reclaims their
// containers. Errors never reach users; they are logged and the session is
// still marked expired so the next tick does not retry it forever.
type CleanupLoop struct {
	sessions   *Manager
	containers ContainerReclaimer
	interval   time.Duration
	cron       *cron.Cron
}

func NewCleanupLoop(sessions *Manager, containers ContainerReclaimer, interval time.Duration) *CleanupLoop {
	return &CleanupLoop{
		sessions:   sessions,
		containers: containers,
		interval:   interval,
	}
}

// Start runs one tick immediately, then on the configured interval.
func (c *CleanupLoop) Start(ctx context.Context) error {
	c.Tick(ctx)

	c.cron = cron.New()
	_, err := c.cron.AddFunc(fmt.Sprintf("@every %s", c.interval), func() {
		c.Tick(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	c.cron.Start()
	log.Printf("Cleanup loop started (interval %s)", c.interval)
	return nil
}

// Stop cancels the schedule and waits for an in-flight tick to finish.
func (c *CleanupLoop) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
	log.Println("Cleanup loop stopped")
}

// Tick evicts every currently-expired session.
func (c *CleanupLoop) Tick(ctx context.Context) {
	expired := c.sessions.ListExpired()
	for _, s := range expired {
		if err := c.containers.Remove(ctx, s.ContainerID); err != nil {
			log.Printf("Cleanup: remove container %s for session %s: %v", shortID(s.ContainerID), s.ID, err)
		}
		c.sessions.MarkExpired(s.ID)
	}
	if len(expired) > 0 {
		log.Printf("Cleanup: evicted %d expired session(s)", len(expired))
	}
}
