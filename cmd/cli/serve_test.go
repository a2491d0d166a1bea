package cli

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/netmonkey/internal/config"
	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/scanning"
)

type eventLog struct {
	mu     sync.Mutex
	events []scanning.Event
}

func (l *eventLog) BroadcastEvent(_ string, ev scanning.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) completes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == scanning.EventComplete {
			n++
		}
	}
	return n
}

func scheduleConfig() *config.Config {
	cfg := config.Default()
	cfg.Scan.StartingIP = "10.0.0.1"
	cfg.Scan.SubnetMask = 31
	cfg.Schedule.Enabled = true
	cfg.Schedule.Cron = "@every 1s"
	return cfg
}

func TestStartScheduler(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	coord := newTestCoordinator(t, lanProber{alive: map[string][]int{"10.0.0.1": nil}})
	sink := &eventLog{}

	sched, err := startScheduler(scheduleConfig(), coord, sink, logging.NewDiscard())
	require.NoError(t, err)
	defer sched.Stop()

	jobs := sched.GetJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, configuredJobName, jobs[0].Name)
	assert.Equal(t, "@every 1s", jobs[0].CronExpression)
	assert.Equal(t, 31, jobs[0].Request.PrefixLen)

	assert.Eventually(t, func() bool { return sink.completes() >= 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestStartScheduler_Errors(t *testing.T) {
	coord := newTestCoordinator(t, lanProber{})

	t.Run("bad cron", func(t *testing.T) {
		cfg := scheduleConfig()
		cfg.Schedule.Cron = "sometimes"
		_, err := startScheduler(cfg, coord, &eventLog{}, logging.NewDiscard())
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})

	t.Run("bad ports", func(t *testing.T) {
		cfg := scheduleConfig()
		cfg.Scan.Ports = "http"
		_, err := startScheduler(cfg, coord, &eventLog{}, logging.NewDiscard())
		assert.Error(t, err)
	})
}

func TestRequestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Scan.StartingIP = "192.168.7.9"
	cfg.Scan.SubnetMask = 29
	cfg.Scan.Ports = "443,22"

	req, err := requestFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "192.168.7.9", req.Base.String())
	assert.Equal(t, 29, req.PrefixLen)
	assert.Equal(t, []int{22, 443}, req.Ports)

	cfg.Scan.StartingIP = "nope"
	_, err = requestFromConfig(cfg)
	assert.Error(t, err)
}

func TestNewProber_ResolverConfiguration(t *testing.T) {
	cfg := config.Default()
	cfg.Scan.ResolveHostnames = true
	cfg.Scan.DNSServer = "127.0.0.1:5353"

	prober, err := newProber(cfg, nil, logging.NewDiscard())
	require.NoError(t, err)
	assert.NotNil(t, prober)

	cfg.Scan.DNSServer = "no-port"
	_, err = newProber(cfg, nil, logging.NewDiscard())
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}
