package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("VERIFACTU_SERVICE_TIMEOUT", "3s")
	t.Setenv("VERIFACTU_SUBMIT_WORKERS", "not-a-number")
	t.Setenv("DATABASE_AUTO_MIGRATE", "off")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, 3*time.Second, cfg.Verifactu.ServiceTimeout)
	assert.Equal(t, 4, cfg.Verifactu.SubmitWorkers)
	assert.False(t, cfg.DBAutoMigrate)
}

func TestLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, VerifactuConfig{Timezone: "Nowhere/Invalid"}.Location())
	assert.Equal(t, time.UTC, VerifactuConfig{}.Location())
}
