package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sigeti/reports/internal/database"
	"github.com/sigeti/reports/internal/models"
	"github.com/sigeti/reports/internal/recurrence"
	"github.com/sigeti/reports/internal/store"
	"github.com/spf13/cobra"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// writeConfig points the CLI at a scratch sqlite database and media root.
func writeConfig(t *testing.T) (configPath, dsn string) {
	t.Helper()
	dir := t.TempDir()
	dsn = filepath.Join(dir, "cli.db")
	configPath = filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`database:
  driver: sqlite
  dsn: %s
media:
  backend: local
  root: %s
log:
  level: disabled
`, dsn, filepath.Join(dir, "media"))
	assert.NilError(t, os.WriteFile(configPath, []byte(content), 0o644))
	return configPath, dsn
}

func seed(t *testing.T, dsn string, recs ...*models.ReportSchedule) {
	t.Helper()
	db, err := database.Open("sqlite", dsn)
	assert.NilError(t, err)
	loc, err := time.LoadLocation("Africa/Abidjan")
	assert.NilError(t, err)
	s := store.NewSchedules(db, loc)
	for _, rec := range recs {
		assert.NilError(t, s.Insert(context.Background(), rec))
	}
	sqlDB, err := db.DB()
	assert.NilError(t, err)
	assert.NilError(t, sqlDB.Close())
}

func run(t *testing.T, sub *cobra.Command, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "sigeti-reports", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("config", "", "")
	root.AddCommand(sub)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScheduleNextPreview(t *testing.T) {
	cfgPath, dsn := writeConfig(t)
	hour, minute := 8, 0
	rec := &models.ReportSchedule{
		Name:             "Daily occupation",
		Recipients:       "ops@sigeti.ci",
		ScheduledAt:      time.Date(2025, 11, 19, 8, 0, 0, 0, time.UTC),
		IsRecurring:      true,
		RecurrenceType:   recurrence.Daily,
		Interval:         1,
		Hour:             &hour,
		Minute:           &minute,
		OccurrenceNumber: 1,
	}
	rec.SetDashboards([]string{"occupation"})
	seed(t, dsn, rec)

	out, err := run(t, NewScheduleCommand(), "schedule", "next", "1", "--count", "3",
		"--from", "2025-11-18T10:22", "--config", cfgPath)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "Daily occupation (daily, occurrence 1)"))
	assert.Check(t, is.Contains(out, "Wed 2025-11-19 08:00"))
	assert.Check(t, is.Contains(out, "Fri 2025-11-21 08:00"))
	assert.Check(t, !bytes.Contains([]byte(out), []byte("2025-11-22")))
}

func TestScheduleNextRejectsBadID(t *testing.T) {
	_, err := run(t, NewScheduleCommand(), "schedule", "next", "abc")
	assert.ErrorContains(t, err, "invalid schedule ID")
}

func TestDispatchOnceReportsOutcomes(t *testing.T) {
	cfgPath, dsn := writeConfig(t)
	rec := &models.ReportSchedule{
		Name:             "No one to send to",
		ScheduledAt:      time.Date(2020, 1, 1, 8, 0, 0, 0, time.UTC),
		RecurrenceType:   recurrence.None,
		Interval:         1,
		OccurrenceNumber: 1,
	}
	rec.SetDashboards([]string{"alerts"})
	seed(t, dsn, rec)

	out, err := run(t, NewDispatchCommand(), "dispatch", "once", "--config", cfgPath)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "OUTCOME"))
	assert.Check(t, is.Regexp(`skipped_no_recipients\s+1`, out))
	assert.Check(t, is.Regexp(`spawned\s+0`, out))
}

func TestSMTPTestRequiresRecipient(t *testing.T) {
	_, err := run(t, NewSMTPCommand(), "smtp", "test")
	assert.ErrorContains(t, err, "to")
}
