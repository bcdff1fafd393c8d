package governor

import "testing"

func defaultConfig() Config {
	return Config{
		CPU:             Thresholds{Warning: 70, Critical: 85, Throttle: 90},
		Memory:          Thresholds{Warning: 75, Critical: 90, Throttle: 95},
		Disk:            Thresholds{Warning: 80, Critical: 90, Throttle: 95},
		Load1:           Thresholds{Warning: 2, Critical: 4, Throttle: 6},
		DBConns:         Thresholds{Warning: 100, Critical: 150, Throttle: 200},
		ConcurrentScans: Thresholds{Warning: 10, Critical: 15, Throttle: 20},
	}
}

func TestThresholdsLevel(t *testing.T) {
	th := Thresholds{Warning: 70, Critical: 85, Throttle: 90}
	tests := []struct {
		sample float64
		want   Level
	}{
		{50, LevelNormal},
		{70, LevelWarning},
		{85, LevelCritical},
		{90, LevelThrottle},
		{99, LevelThrottle},
	}
	for _, tt := range tests {
		if got := th.Level(tt.sample); got != tt.want {
			t.Errorf("Level(%v) = %v, want %v", tt.sample, got, tt.want)
		}
	}
}

func TestEvaluateOverallIsMax(t *testing.T) {
	cfg := defaultConfig()
	status := cfg.Evaluate(Sample{
		CPUPercent:      50,
		MemPercent:      50,
		DiskPercent:     50,
		Load1:           0.5,
		ActiveDBConns:   10,
		ConcurrentScans: 22, // above throttle threshold of 20
	})
	if status.Overall != LevelThrottle {
		t.Errorf("expected overall LevelThrottle, got %v", status.Overall)
	}
	if status.Metrics["concurrent_scans"] != LevelThrottle {
		t.Errorf("expected concurrent_scans at LevelThrottle, got %v", status.Metrics["concurrent_scans"])
	}
	if status.Metrics["cpu"] != LevelNormal {
		t.Errorf("expected cpu at LevelNormal, got %v", status.Metrics["cpu"])
	}
}

func TestEvaluateAllNormal(t *testing.T) {
	cfg := defaultConfig()
	status := cfg.Evaluate(Sample{})
	if status.Overall != LevelNormal {
		t.Errorf("expected LevelNormal for zero sample, got %v", status.Overall)
	}
}
