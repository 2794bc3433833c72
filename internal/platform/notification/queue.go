package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Task types handled by the worker.
const (
	TypeDispatch       = "notification:dispatch"
	TypeDailyReminders = "agenda:reminders"
)

const dispatchMaxRetry = 5

// NewDispatchTask wraps a message in an asynq task.
func NewDispatchTask(msg Message) (*asynq.Task, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDispatch, b, asynq.MaxRetry(dispatchMaxRetry)), nil
}

// Enqueuer is the subset of *asynq.Client used by Queue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue hands messages to the worker instead of sending them inline. A
// queued message reports OK with no SentAt.
type Queue struct {
	client Enqueuer
	logger zerolog.Logger
}

// NewQueue constructs a Queue.
func NewQueue(client Enqueuer, logger zerolog.Logger) *Queue {
	return &Queue{client: client, logger: logger}
}

// Dispatch enqueues every message.
func (q *Queue) Dispatch(ctx context.Context, msgs []Message) []Result {
	results := make([]Result, 0, len(msgs))
	for _, m := range msgs {
		res := Result{BookingID: m.BookingID, Phone: m.Phone}
		task, err := NewDispatchTask(m)
		if err == nil {
			_, err = q.client.EnqueueContext(ctx, task)
		}
		if err != nil {
			res.Error = err.Error()
			q.logger.Error().Err(err).Str("booking_id", m.BookingID.String()).Msg("failed to enqueue notification")
		} else {
			res.OK = true
		}
		results = append(results, res)
	}
	return results
}

// ReminderRunner sends the reminders due for the next day.
type ReminderRunner interface {
	RunDailyReminders(ctx context.Context) error
}

// NewServeMux routes worker tasks. runner may be nil when reminders are not
// scheduled on this worker.
func NewServeMux(d *Dispatcher, runner ReminderRunner, logger zerolog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDispatch, handleDispatchTask(d, logger))
	if runner != nil {
		mux.HandleFunc(TypeDailyReminders, func(ctx context.Context, _ *asynq.Task) error {
			logger.Info().Msg("running daily reminders")
			return runner.RunDailyReminders(ctx)
		})
	}
	return mux
}

func handleDispatchTask(d *Dispatcher, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var msg Message
		if err := json.Unmarshal(task.Payload(), &msg); err != nil {
			return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
		}
		if _, err := FormatPhone(msg.Phone); errors.Is(err, ErrInvalidPhone) {
			logger.Warn().Str("booking_id", msg.BookingID.String()).Msg("dropping notification with invalid phone")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		res := d.Send(ctx, msg)
		if !res.OK {
			return errors.New(res.Error)
		}
		return nil
	}
}

// NewServer builds the worker server.
func NewServer(opt asynq.RedisConnOpt, concurrency int, logger zerolog.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Msg("task failed")
		}),
	})
}

// NewScheduler registers the daily reminder run at cronspec, evaluated in loc.
func NewScheduler(opt asynq.RedisConnOpt, cronspec string, loc *time.Location) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: loc})
	if _, err := s.Register(cronspec, asynq.NewTask(TypeDailyReminders, nil)); err != nil {
		return nil, fmt.Errorf("register reminder schedule %q: %w", cronspec, err)
	}
	return s, nil
}
