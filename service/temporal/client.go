package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

func (c *Client) createLedgerSchedule(ctx context.Context, address string, interval time.Duration) error {
	id := scheduleID(address)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "ledger-refresh-" + strings.ToLower(address),
			Workflow:  LedgerRefreshWorkflowName,
			TaskQueue: c.taskQueue,
			Args:      []interface{}{LedgerRefreshInput{Address: address}},
		},
		Memo: map[string]interface{}{
			"address":    address,
			"created_by": "ethwallet",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"address", address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("ledger schedule created",
		"address", address,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// UpsertLedgerSchedule creates or updates the ledger refresh schedule of address.
// If the schedule already exists, only its interval is updated.
func (c *Client) UpsertLedgerSchedule(ctx context.Context, address string, interval time.Duration) error {
	id := scheduleID(address)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	desc, err := handle.Describe(ctx)
	if err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.createLedgerSchedule(ctx, address, interval)
	}

	var old time.Duration
	if spec := desc.Schedule.Spec; spec != nil && len(spec.Intervals) > 0 {
		old = spec.Intervals[0].Every
	}
	if old == interval {
		c.logger.Debug("schedule up to date", "schedule_id", id, "interval", interval)
		return nil
	}

	err = handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			if input.Description.Schedule.Spec == nil {
				input.Description.Schedule.Spec = &client.ScheduleSpec{}
			}
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"address", address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("ledger schedule updated",
		"address", address,
		"schedule_id", id,
		"old_interval", old,
		"interval", interval,
	)
	return nil
}

// DeleteLedgerSchedule deletes the ledger refresh schedule of address.
func (c *Client) DeleteLedgerSchedule(ctx context.Context, address string) error {
	id := scheduleID(address)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"address", address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("ledger schedule deleted",
		"address", address,
		"schedule_id", id,
	)
	return nil
}

// RunLedgerRefresh starts a one-off refresh of address and waits for its result.
func (c *Client) RunLedgerRefresh(ctx context.Context, address string) (*LedgerRefreshResult, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("ledger-refresh-manual-%s-%d", strings.ToLower(address), time.Now().Unix()),
		TaskQueue: c.taskQueue,
	}, LedgerRefreshWorkflowName, LedgerRefreshInput{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to start ledger refresh: %w", err)
	}

	c.logger.Debug("ledger refresh started",
		"address", address,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)

	var result LedgerRefreshResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("ledger refresh failed: %w", err)
	}
	return &result, nil
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
