package gtbx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_validateSettings(t *testing.T) {
	type args struct {
		s *Settings
	}
	testcases := []struct {
		name    string
		args    args
		want    *Settings
		wantErr bool
	}{
		{
			name: "if dispatcher is disabled defaults are not applied",
			args: args{
				s: &Settings{
					EnableDispatcher:  false,
					MaxDispatchers:    -10,
					PollingInterval:   -1 * time.Second,
					MaxEventsPerBatch: -2,
				},
			},
			want: &Settings{
				EnableDispatcher:  false,
				MaxDispatchers:    -10,
				PollingInterval:   -1 * time.Second,
				MaxEventsPerBatch: -2,
			},
		},
		{
			name: "if dispatcher is enabled defaults are applied",
			args: args{
				s: &Settings{
					EnableDispatcher:  true,
					MaxDispatchers:    -10,
					PollingInterval:   -1 * time.Second,
					MaxEventsPerBatch: -2,
					PublishTimeout:    -1,
				},
			},
			want: &Settings{
				EnableDispatcher:  true,
				MaxDispatchers:    defaultMaxDispatchers,
				PollingInterval:   defaultPollingInterval,
				MaxEventsPerBatch: defaultMaxEventsPerBatch,
				PublishTimeout:    defaultPublishTimeout,
				LockTTL:           defaultLockTTL,
				RetryBackoff:      defaultRetryBackoff,
				MaxRetryBackoff:   defaultMaxRetryBackoff,
			},
		},
		{
			name: "explicit values are kept",
			args: args{
				s: &Settings{
					EnableDispatcher:  true,
					MaxDispatchers:    4,
					PollingInterval:   time.Second,
					MaxEventsPerBatch: 10,
					PublishTimeout:    time.Second,
					LockTTL:           time.Second * 30,
					RetryBackoff:      time.Second,
					MaxRetryBackoff:   time.Minute,
				},
			},
			want: &Settings{
				EnableDispatcher:  true,
				MaxDispatchers:    4,
				PollingInterval:   time.Second,
				MaxEventsPerBatch: 10,
				PublishTimeout:    time.Second,
				LockTTL:           time.Second * 30,
				RetryBackoff:      time.Second,
				MaxRetryBackoff:   time.Minute,
			},
		},
		{
			name: "lock TTL not greater than the publish timeout",
			args: args{
				s: &Settings{
					EnableDispatcher: true,
					PublishTimeout:   time.Minute,
					LockTTL:          time.Minute,
				},
			},
			wantErr: true,
		},
		{
			name: "max backoff lower than backoff",
			args: args{
				s: &Settings{
					EnableDispatcher: true,
					RetryBackoff:     time.Minute,
					MaxRetryBackoff:  time.Second,
				},
			},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateSettings(tc.args.s)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, tc.args.s)
		})
	}
}

func TestBackoff(t *testing.T) {
	s := Settings{RetryBackoff: 5 * time.Second, MaxRetryBackoff: time.Minute}
	testcases := []struct {
		retryCount int
		want       time.Duration
	}{
		{retryCount: 0, want: 5 * time.Second},
		{retryCount: 1, want: 10 * time.Second},
		{retryCount: 2, want: 20 * time.Second},
		{retryCount: 3, want: 40 * time.Second},
		{retryCount: 4, want: time.Minute},
		{retryCount: 1000, want: time.Minute},
	}
	for _, tc := range testcases {
		assert.Equal(t, tc.want, s.backoff(tc.retryCount), "retry count %d", tc.retryCount)
	}
}
