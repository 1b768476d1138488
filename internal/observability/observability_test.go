package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		profile string
		wantErr bool
	}{
		{"structured info", "info", "structured", false},
		{"console debug", "debug", "console", false},
		{"default profile", "warn", "", false},
		{"uppercase profile", "error", "STRUCTURED", false},
		{"bad level", "loud", "structured", true},
		{"bad profile", "info", "fancy", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger("gsadash", tt.level, tt.profile)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", true)
	require.NotNil(t, CLILogger)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	err := InitLogger("test", "nope", ProfileStructured)
	require.Error(t, err)
	assert.Same(t, orig, CLILogger)
}

func TestJobObserverCounts(t *testing.T) {
	var obs JobObserver
	role := jobregistry.Role("observer_test")

	obs.JobStarted(role)
	obs.UnitDone(role, 2*time.Millisecond)
	obs.UnitDone(role, 3*time.Millisecond)
	obs.JobFinished(role, jobregistry.StatusCompleted)

	assert.Equal(t, 1.0, testutil.ToFloat64(jobsStarted.WithLabelValues(string(role))))
	assert.Equal(t, 2.0, testutil.ToFloat64(unitsTotal.WithLabelValues(string(role))))
	assert.Equal(t, 1.0, testutil.ToFloat64(jobsFinished.WithLabelValues(string(role), "completed")))
}

func TestMustRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		MustRegister()
		MustRegister()
	})
	assert.True(t, MetricsRegistered())
}
