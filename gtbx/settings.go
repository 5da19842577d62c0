package gtbx

import (
	"errors"
	"time"
)

const (
	defaultMaxDispatchers    int           = 2
	defaultPollingInterval   time.Duration = time.Second * 10
	defaultMaxEventsPerBatch int           = 50
	defaultPublishTimeout    time.Duration = time.Second * 10
	defaultLockTTL           time.Duration = time.Minute
	defaultRetryBackoff      time.Duration = time.Second * 5
	defaultMaxRetryBackoff   time.Duration = time.Minute * 5
)

type TxKey any

// Settings holds the general Goutbox module configuration.
type Settings struct {
	EnableDispatcher  bool          // enables the dispatcher using the polling publisher pattern
	MaxDispatchers    int           // in HA environments, maximum allowed number of dispatchers working concurrently
	PollingInterval   time.Duration // interval between database pollings by the dispatchers
	MaxEventsPerBatch int           // maximum number of records read in each polling
	PublishTimeout    time.Duration // maximum time to wait for the broker to acknowledge a record
	LockTTL           time.Duration // lease duration of the outbox lock
	RetryBackoff      time.Duration // delay before retrying a record after its first failure
	MaxRetryBackoff   time.Duration // upper bound of the exponential retry delay
}

// validateSettings validates the established settings and sets defaults if needed.
func validateSettings(s *Settings) error {
	if !s.EnableDispatcher {
		return nil
	}
	if s.MaxDispatchers <= 0 {
		s.MaxDispatchers = defaultMaxDispatchers
	}
	if s.PollingInterval <= 0 {
		s.PollingInterval = defaultPollingInterval
	}
	if s.MaxEventsPerBatch <= 0 {
		s.MaxEventsPerBatch = defaultMaxEventsPerBatch
	}
	if s.PublishTimeout <= 0 {
		s.PublishTimeout = defaultPublishTimeout
	}
	if s.LockTTL <= 0 {
		s.LockTTL = defaultLockTTL
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = defaultRetryBackoff
	}
	if s.MaxRetryBackoff <= 0 {
		s.MaxRetryBackoff = defaultMaxRetryBackoff
	}
	if s.LockTTL <= s.PublishTimeout {
		return errors.New("the lock TTL must be greater than the publish timeout")
	}
	if s.MaxRetryBackoff < s.RetryBackoff {
		return errors.New("the max retry backoff must not be lower than the retry backoff")
	}
	return nil
}

// backoff returns the delay before the next attempt of a record that has
// already failed retryCount times, doubling on each failure up to
// MaxRetryBackoff.
func (s Settings) backoff(retryCount int) time.Duration {
	d := s.RetryBackoff
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= s.MaxRetryBackoff {
			return s.MaxRetryBackoff
		}
	}
	return d
}
