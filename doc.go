/*
Package delayq is a persistent, database-backed job queue for Go.

Application code enqueues units of deferred work ("jobs") into a table in the
same database it already uses, and any number of worker processes poll that
table, lock jobs under mutual exclusion, run them, and record the outcome.
Slow or unreliable operations can be run asynchronously and retried safely
without operating a separate message broker, and because jobs are plain rows
they can be enqueued in the same transaction as the data they depend on.

# Jobs

A job is any type implementing [dqtype.Performer]. Its exported fields are
serialized to JSON when it's enqueued and restored before it's performed:

	// SendEmailJob sends an email.
	type SendEmailJob struct {
		To string `json:"to"`
	}

	func (j *SendEmailJob) Perform(ctx context.Context) error {
		return mailer.Send(ctx, j.To)
	}

A job returning an error (or panicking) is retried with a polynomial backoff
until it's failed MaxAttempts times, after which it's either kept with
failed_at set for inspection or destroyed, depending on DestroyFailedJobs.

# Registering jobs

Job types must be registered so that a worker can find the Go type named in a
stored job:

	registry := delayq.NewRegistry()
	delayq.Register[*SendEmailJob](registry)

Types are registered under their package qualified name, like
"jobs.SendEmailJob", or an explicit one with [RegisterNamed]. When a worker
encounters a name it doesn't know, a hook set with [Registry.SetLoadHook] is
given a chance to register it before the job fails.

# Client

A [Client] is created from a driver wrapping a database pool and a [Config]:

	dbPool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		// handle error
	}
	defer dbPool.Close()

	client, err := delayq.NewClient(dqpgxv5.New(dbPool), &delayq.Config{
		Registry:   registry,
		WorkerName: "worker-1",
	})
	if err != nil {
		// handle error
	}

The schema is created with package dqmigrate or the `delayq migrate-up`
command.

# Enqueueing jobs

	job, err := client.Enqueue(ctx, &SendEmailJob{To: "user@example.com"}, &delayq.EnqueueOpts{
		Priority: -1,
		RunAt:    time.Now().Add(time.Hour),
	})

Lower priorities are worked first. Recurring jobs are created with
[Client.Schedule] and are rescheduled instead of deleted after each success:

	_, err = client.Schedule(ctx, &CleanupJob{}, &delayq.ScheduleOpts{Every: 5 * time.Minute})
	_, err = client.Schedule(ctx, &ReportJob{}, &delayq.ScheduleOpts{Rule: delayq.RecurLastOfMonth})

Methods can be invoked later without defining a job type using
[Client.SendLater], provided they're bound in the worker's registry with
[RegisterClassMethod] or [RegisterInstanceMethod].

# Working jobs

[Client.Run] works jobs continuously until its context is cancelled:

	if err := client.Run(ctx); err != nil {
		// handle error
	}

[Client.WorkOff] works a fixed number of jobs and returns, which is useful in
tests and scripts.

Jobs being worked can get the client that's working them with
[ClientFromContext] to enqueue follow up work. Failures can be observed (and
retries cut short) by setting an [ErrorHandler] in Config.
*/
package delayq
