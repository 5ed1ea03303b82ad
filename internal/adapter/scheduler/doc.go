// Package scheduler runs background jobs of the service: scheduled backups
// on a cron schedule (github.com/robfig/cron/v3) and fixed-interval jobs.
//
// Every job has a JobID, an overlap policy (Allow/Skip/Delay), an optional
// timeout and a status snapshot (runs, failures, last error, next run) that
// the HTTP surface reports. Panics are recovered and counted as failures;
// errors are logged and never stop the scheduler.
//
//	s := scheduler.NewWithContext(ctx, scheduler.Config{Logger: log})
//	id, err := s.AddBackupJob("30 3 * * *", time.Hour, func(ctx context.Context) error {
//		_, err := backups.Run(ctx)
//		return err
//	})
//	s.Start()
//	defer s.Stop()
//
// Schedules use the standard five-field format plus descriptors such as
// "@daily" and "@every 10m"; ParseSchedule validates them upfront.
package scheduler
