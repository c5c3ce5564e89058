package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"referral-ledger/pkg/config"
	"referral-ledger/pkg/db/option"
	queue "referral-ledger/pkg/task"
	"referral-ledger/pkg/taskname"
	"referral-ledger/services/member"
	"referral-ledger/services/referral"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrUnknownSweep = errors.New("unknown sweep")

type unit struct {
	key  string
	task *asynq.Task
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	enqueuer queue.Enqueuer
	now      func() time.Time

	batchSize int
	parallel  int

	members  *member.Service
	referral *referral.Service
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Enqueuer queue.Enqueuer
	Member   *member.Service
	Referral *referral.Service
}

func NewService(p Params) *Service {
	batch, parallel := p.Config.Scheduler.BatchSize, p.Config.Scheduler.EnqueueParallel
	if batch <= 0 {
		batch = 250
	}
	if parallel <= 0 {
		parallel = 8
	}
	return &Service{
		db:        p.DB,
		node:      p.Node,
		enqueuer:  p.Enqueuer,
		now:       func() time.Time { return time.Now().UTC() },
		batchSize: batch,
		parallel:  parallel,
		members:   p.Member,
		referral:  p.Referral,
	}
}

// Register upserts the sweep definition and returns its stored row.
func (s *Service) Register(ctx context.Context, name, description, schedule string) (*Sweep, error) {
	sw := &Sweep{
		ID:          s.node.Generate().String(),
		Name:        name,
		Description: description,
		Schedule:    schedule,
		IsActive:    true,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"description", "schedule", "updated_at"}),
	}).Create(sw).Error; err != nil {
		return nil, err
	}
	var stored Sweep
	if err := s.db.WithContext(ctx).Where(&Sweep{Name: name}).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// RunSweep enqueues one task per unit of work for the named sweep and records the
// run as a Job. Units already queued under the same task id count as skipped.
func (s *Service) RunSweep(ctx context.Context, name string) (*Job, error) {
	var sw Sweep
	err := s.db.WithContext(ctx).Where(&Sweep{Name: name}).First(&sw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSweep, name)
	}
	if err != nil {
		return nil, err
	}
	logger := zap.L().With(zap.String("sweep", name))
	if !sw.IsActive {
		logger.Info("sweep is paused")
		return nil, nil
	}

	next, err := s.source(name)
	if err != nil {
		return nil, err
	}

	started := s.now()
	job := &Job{ID: s.node.Generate().String(), SweepID: sw.ID, Status: JobRunning, StartedAt: &started}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}

	var enqueued, skipped, failed int64
	cursor := ""
	for {
		units, last, err := next(ctx, cursor)
		if err != nil {
			return s.finish(ctx, job, enqueued, skipped, failed, err)
		}
		if len(units) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.parallel)
		for _, u := range units {
			g.Go(func() error {
				_, err := s.enqueuer.Enqueue(gctx, u.task)
				switch {
				case queue.IsDuplicate(err):
					atomic.AddInt64(&skipped, 1)
				case err != nil:
					atomic.AddInt64(&failed, 1)
					logger.Warn("failed to enqueue unit", zap.String("unit", u.key), zap.Error(err))
				default:
					atomic.AddInt64(&enqueued, 1)
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(units) < s.batchSize {
			break
		}
		cursor = last
	}

	var runErr error
	if failed > 0 {
		runErr = fmt.Errorf("%d units failed to enqueue", failed)
	}
	return s.finish(ctx, job, enqueued, skipped, failed, runErr)
}

func (s *Service) finish(ctx context.Context, job *Job, enqueued, skipped, failed int64, runErr error) (*Job, error) {
	done := s.now()
	job.Enqueued, job.Skipped, job.Failed, job.CompletedAt = enqueued, skipped, failed, &done
	job.Status = JobSuccess
	if runErr != nil {
		job.Status, job.ErrorMsg = JobFailed, runErr.Error()
	}
	meta, _ := json.Marshal(map[string]any{"duration_ms": done.Sub(*job.StartedAt).Milliseconds()})
	job.Metadata = datatypes.JSON(meta)

	if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(map[string]any{
		"status":       job.Status,
		"enqueued":     job.Enqueued,
		"skipped":      job.Skipped,
		"failed":       job.Failed,
		"error_msg":    job.ErrorMsg,
		"completed_at": done,
		"metadata":     job.Metadata,
	}).Error; err != nil {
		zap.L().Error("failed to record job result", zap.String("job_id", job.ID), zap.Error(err))
	}

	zap.L().Info("sweep finished",
		zap.String("job_id", job.ID),
		zap.String("status", job.Status),
		zap.Int64("enqueued", enqueued),
		zap.Int64("skipped", skipped),
		zap.Int64("failed", failed))
	return job, runErr
}

type pager func(ctx context.Context, cursor string) ([]unit, string, error)

func (s *Service) source(name string) (pager, error) {
	switch name {
	case SweepRank:
		return s.rankUnits, nil
	case SweepMilestone:
		return s.milestoneUnits, nil
	case SweepRenewal:
		return s.renewalUnits, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSweep, name)
	}
}

func newTask(typ string, payload any, id string, opts ...asynq.Option) (*asynq.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.TaskID(id), asynq.MaxRetry(5), asynq.Retention(24 * time.Hour)}, opts...)
	return asynq.NewTask(typ, raw, opts...), nil
}

func (s *Service) rankUnits(ctx context.Context, cursor string) ([]unit, string, error) {
	users, err := s.members.ListAfter(ctx, cursor, s.batchSize)
	if err != nil || len(users) == 0 {
		return nil, "", err
	}
	day := s.now().Format("20060102")
	out := make([]unit, 0, len(users))
	for _, u := range users {
		t, err := newTask(taskname.RankPromote, MemberPayload{MemberID: u.ID}, fmt.Sprintf("rank:%s:%s", u.ID, day), asynq.Queue(queue.QueueLow))
		if err != nil {
			return nil, "", err
		}
		out = append(out, unit{key: u.ID, task: t})
	}
	return out, users[len(users)-1].ID, nil
}

func (s *Service) milestoneUnits(ctx context.Context, cursor string) ([]unit, string, error) {
	edges, err := s.referral.PendingCustomerMilestones(ctx, cursor, s.batchSize)
	if err != nil || len(edges) == 0 {
		return nil, "", err
	}
	day := s.now().Format("20060102")
	out := make([]unit, 0, len(edges))
	for _, e := range edges {
		t, err := newTask(taskname.MilestoneCustomerCheck, MilestonePayload{ReferredID: e.ReferredID}, fmt.Sprintf("milestone:%s:%s", e.ReferredID, day))
		if err != nil {
			return nil, "", err
		}
		out = append(out, unit{key: e.ReferredID, task: t})
	}
	return out, edges[len(edges)-1].ID, nil
}

func (s *Service) renewalUnits(ctx context.Context, cursor string) ([]unit, string, error) {
	users, err := s.members.ListAfter(ctx, cursor, s.batchSize,
		option.Condition{Field: "subscription_active", Operator: option.EQ, Value: true})
	if err != nil || len(users) == 0 {
		return nil, "", err
	}
	period := s.now().Format("200601")
	out := make([]unit, 0, len(users))
	for _, u := range users {
		t, err := newTask(taskname.SubscriptionRenew, RenewalPayload{MemberID: u.ID, Period: period}, fmt.Sprintf("subscription:%s:%s", u.ID, period))
		if err != nil {
			return nil, "", err
		}
		out = append(out, unit{key: u.ID, task: t})
	}
	return out, users[len(users)-1].ID, nil
}

// LastJob returns the most recent run of the named sweep.
func (s *Service) LastJob(ctx context.Context, name string) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).
		Joins("JOIN sweeps ON sweeps.id = jobs.sweep_id").
		Where("sweeps.name = ?", name).
		Order("jobs.created_at desc").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &job, err
}
