package main

import (
	"context"
	"log"
	"time"
)

// CleanupConfig holds configuration for the history retention job
type CleanupConfig struct {
	Enabled       bool
	CheckInterval time.Duration // How often to run cleanup
	RetentionDays int           // Delete history older than X days (0 = disabled)
}

// Cleaner prunes old poll history
type Cleaner struct {
	cfg   CleanupConfig
	store HistoryStore
	now   func() time.Time
}

// NewCleaner creates a new cleaner instance
func NewCleaner(cfg CleanupConfig, store HistoryStore) *Cleaner {
	return &Cleaner{
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
}

// Start begins the retention loop; it stops with ctx.
func (c *Cleaner) Start(ctx context.Context) {
	if !c.cfg.Enabled || c.cfg.RetentionDays <= 0 || c.store == nil {
		log.Println("INFO: history retention job disabled")
		return
	}
	if c.cfg.CheckInterval <= 0 {
		c.cfg.CheckInterval = time.Hour
	}

	go c.retentionLoop(ctx)
	log.Printf("INFO: history retention job started (interval: %v, delete after: %d days)", c.cfg.CheckInterval, c.cfg.RetentionDays)
}

func (c *Cleaner) retentionLoop(ctx context.Context) {
	// Run immediately on start
	c.RunNow(ctx)

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunNow(ctx)
		}
	}
}

// RunNow deletes entries older than the retention window and returns how many went.
func (c *Cleaner) RunNow(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cutoff := c.now().AddDate(0, 0, -c.cfg.RetentionDays)
	deleted, err := c.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		log.Printf("WARN: retention - failed to delete history before %s: %v", cutoff.Format("2006-01-02"), err)
		return 0
	}
	if deleted > 0 {
		log.Printf("INFO: retention - deleted %d history entries older than %d days", deleted, c.cfg.RetentionDays)
	}
	return deleted
}
