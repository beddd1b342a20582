package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultUpdateCheckInterval = 30 * time.Second

// Updater periodically asks the source for the current release and installs
// it when the controller does not know it yet.
type Updater struct {
	controller *Controller
	source     Source
	interval   time.Duration

	// one check at a time, periodic or on demand
	checkMu sync.Mutex
}

func NewUpdater(controller *Controller, source Source, interval time.Duration) *Updater {
	if interval <= 0 {
		interval = DefaultUpdateCheckInterval
	}
	return &Updater{
		controller: controller,
		source:     source,
		interval:   interval,
	}
}

// Check installs the latest release if it is new, reporting whether it did.
func (u *Updater) Check(ctx context.Context) (bool, error) {
	u.checkMu.Lock()
	defer u.checkMu.Unlock()

	release, err := u.source.Latest(ctx)
	if err != nil {
		return false, fmt.Errorf("get latest release: %w", err)
	}

	if u.controller.Knows(release) {
		log.Tracef("updater: release [%s] already known", release.Version)
		return false, nil
	}

	log.Printf("updater: new release found: [%s]", release.Version)
	if err := u.controller.Install(ctx, release); err != nil {
		if errors.Is(err, ErrInstallInProgress) || errors.Is(err, ErrAlreadyInstalled) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Run checks once immediately, then on every tick, until ctx is done.
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		if _, err := u.Check(ctx); err != nil {
			log.Errorf("updater: update check failed: %s", err)
		}

		select {
		case <-ctx.Done():
			log.Println("updater: stopped")
			return
		case <-ticker.C:
		}
	}
}
